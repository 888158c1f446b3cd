//go:build linux && !baremetal

package fifoeth

import (
	"os"
	"path/filepath"
	"testing"
)

func fakeSysfs(t *testing.T) {
	t.Helper()
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("uio0/name", "gpio-keys\n")
	write("uio1/name", "fifo_eth\n")
	write("uio1/maps/map0/size", "0x00001000\n")
	write("uio1/maps/map1/size", "4096\n")
	write("uio1/maps/map2/size", "bogus\n")
	old := uioSysfs
	uioSysfs = root
	t.Cleanup(func() { uioSysfs = old })
}

func TestResolveUIO(t *testing.T) {
	fakeSysfs(t)
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "fifo_eth", want: "/dev/uio1"},
		{in: "gpio-keys", want: "/dev/uio0"},
		{in: "/dev/uio7", want: "/dev/uio7"},
		{in: "missing", wantErr: true},
	}
	for _, tt := range tests {
		got, err := resolveUIO(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: want error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%q: want %q, got %q (err=%v)", tt.in, tt.want, got, err)
		}
	}
}

func TestUIOMapSize(t *testing.T) {
	fakeSysfs(t)
	for idx, want := range []int{0x1000, 4096} {
		got, err := uioMapSize("uio1", idx)
		if err != nil || got != want {
			t.Errorf("map%d: want %d, got %d (err=%v)", idx, want, got, err)
		}
	}
	if _, err := uioMapSize("uio1", 2); err == nil {
		t.Error("want parse error")
	}
	if _, err := uioMapSize("uio1", 3); err == nil {
		t.Error("want missing map error")
	}
}

func TestUIOReserveTooLarge(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "uio")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	u := &UIO{f: f, name: f.Name(), mapSize: 0x100}
	if err := u.ReserveRegion(0x1000); err == nil {
		t.Fatal("want error reserving more than the map")
	}
	if err := u.ReserveRegion(0x100); err != nil {
		t.Fatal(err)
	}
	// A second descriptor on the same file sees the region busy.
	f2, err := os.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()
	u2 := &UIO{f: f2, name: f2.Name(), mapSize: 0x100}
	if err := u2.ReserveRegion(0x100); err == nil {
		t.Fatal("want busy error")
	}
	u.ReleaseRegion()
	if err := u2.ReserveRegion(0x100); err != nil {
		t.Fatal("reserve after release:", err)
	}
	u2.ReleaseRegion()
}
