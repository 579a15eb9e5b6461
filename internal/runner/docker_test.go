package runner

import (
	"archive/tar"
	"io"
	"testing"
)

func TestTarArchive(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"notes.txt": []byte("remember the milk\n"),
		"data.csv":  []byte("a,b\n1,2\n"),
	}

	buf, err := tarArchive(files)
	if err != nil {
		t.Fatalf("tarArchive() error = %v", err)
	}

	tr := tar.NewReader(buf)
	var names []string
	contents := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("reading %s: %v", hdr.Name, err)
		}
		names = append(names, hdr.Name)
		contents[hdr.Name] = string(data)
	}

	// Entries come out sorted regardless of map order.
	want := []string{"data.csv", "notes.txt"}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}
	for name, data := range files {
		if contents[name] != string(data) {
			t.Fatalf("content of %s = %q, want %q", name, contents[name], string(data))
		}
	}
}

func TestTarArchiveEmpty(t *testing.T) {
	t.Parallel()

	buf, err := tarArchive(nil)
	if err != nil {
		t.Fatalf("tarArchive(nil) error = %v", err)
	}

	tr := tar.NewReader(buf)
	if _, err := tr.Next(); err != io.EOF {
		t.Fatalf("Next() error = %v, want io.EOF", err)
	}
}
