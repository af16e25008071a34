package platform

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeOSRelease(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "os-release")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing os-release: %v", err)
	}
	return path
}

func TestDetectLinuxFamilyDebian(t *testing.T) {
	dir := t.TempDir()
	path := writeOSRelease(t, dir, "ID=ubuntu\nID_LIKE=debian\n")
	fam, err := detectLinuxFamily(path)
	if err != nil || fam != Debian {
		t.Fatalf("expected debian, got %v, %v", fam, err)
	}
}

func TestDetectLinuxFamilyRHEL(t *testing.T) {
	dir := t.TempDir()
	path := writeOSRelease(t, dir, "ID=centos\nID_LIKE=\"rhel fedora\"\n")
	fam, err := detectLinuxFamily(path)
	if err != nil || fam != RHEL {
		t.Fatalf("expected rhel, got %v, %v", fam, err)
	}
}

func TestDetectLinuxFamilyUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := writeOSRelease(t, dir, "ID=alpine\n")
	_, err := detectLinuxFamily(path)
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
}

func TestCommandDebianInstall(t *testing.T) {
	argv, err := Command(Debian, Install, FromRepo, "nginx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"apt-get", "install", "-y", "nginx"}
	if len(argv) != len(want) {
		t.Fatalf("unexpected argv: %v", argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestCommandDarwinUninstallFromFileUnsupported(t *testing.T) {
	_, err := Command(Darwin, Uninstall, FromFile, "nginx")
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestCommandRHELUninstallFromRepo(t *testing.T) {
	argv, err := Command(RHEL, Uninstall, FromRepo, "httpd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if argv[0] != "yum" || argv[1] != "remove" {
		t.Fatalf("unexpected argv: %v", argv)
	}
}
