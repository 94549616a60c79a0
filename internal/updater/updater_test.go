package updater

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func buildTestArchive(t *testing.T, bundleName string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	entries := []struct {
		name string
		mode os.FileMode
	}{
		{bundleName + "/Contents/MacOS/agent", 0755},
		{bundleName + "/Contents/Info.plist", 0644},
	}
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		hdr.SetMode(e.mode)
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("create header: %v", err)
		}
		if _, err := fw.Write([]byte("dummy contents")); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

func TestApply_RejectsOversizedArchive(t *testing.T) {
	u := New(filepath.Join(t.TempDir(), "Installed.app"), zerolog.Nop())
	oversized := make([]byte, MaxArchiveSize+1)

	err := u.Apply(oversized)
	if err != ErrFileTooLarge {
		t.Errorf("got %v, want ErrFileTooLarge", err)
	}
}

func TestApply_RejectsCorruptZip(t *testing.T) {
	u := New(filepath.Join(t.TempDir(), "Installed.app"), zerolog.Nop())

	err := u.Apply([]byte("not a zip file"))
	if err == nil {
		t.Fatal("expected an error for corrupt zip")
	}
}

func TestApply_RejectsArchiveWithoutBundle(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, _ := w.Create("readme.txt")
	fw.Write([]byte("hello"))
	w.Close()

	u := New(filepath.Join(t.TempDir(), "Installed.app"), zerolog.Nop())
	err := u.Apply(buf.Bytes())
	if err != ErrNoAppBundleFound {
		t.Errorf("got %v, want ErrNoAppBundleFound", err)
	}
}

func TestShellEscape_NeutralizesSpecialCharacters(t *testing.T) {
	dangerous := "foo\"; rm -rf ~ #$(whoami)`id`\nbar"
	escaped := shellEscape(dangerous)

	if bytes.ContainsAny([]byte(escaped), "\n") {
		t.Error("expected newline to be stripped")
	}
	wrapped := "\"" + escaped + "\""
	if bytes.Count([]byte(wrapped), []byte(`"`))-bytes.Count([]byte(wrapped), []byte(`\"`)) != 2 {
		t.Errorf("unescaped double quote survived: %q", wrapped)
	}
}

func TestShellEscape_SurvivesShellInterpretation(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	tricky := `My App! v2 "quoted" $HOME ` + "`backtick`" + ` \back`
	escaped := shellEscape(tricky)

	script := fmt.Sprintf(`NEW_BUNDLE="%s"; printf '%%s' "$NEW_BUNDLE"`, escaped)
	out, err := exec.Command("sh", "-c", script).Output()
	if err != nil {
		t.Fatalf("sh -c failed: %v", err)
	}
	if string(out) != tricky {
		t.Errorf("got %q after shell interpretation, want %q", out, tricky)
	}
}

func TestBuildTrampoline_ContainsEscapedPaths(t *testing.T) {
	script := buildTrampoline(1234, "/tmp/New App.app", "/Applications/Old App.app", "/tmp/work")
	if !bytes.Contains([]byte(script), []byte(`PID=1234`)) {
		t.Error("expected PID to be embedded")
	}
	if bytes.Contains([]byte(script), []byte("New App.app\"")) == false {
		t.Error("expected quoted, space-containing path to survive")
	}
}
