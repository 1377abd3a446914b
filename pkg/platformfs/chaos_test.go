package platformfs_test

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/lucenia/xtree/core/pkg/platformfs"
)

func Test_Chaos_Zero_Value_Config_Never_Injects(t *testing.T) {
	c := platformfs.NewChaos(platformfs.NewMemFS(), platformfs.ChaosConfig{})

	f, err := c.Create("/data/f.bin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 100; i++ {
		if _, err := f.Write([]byte("x")); err != nil {
			t.Fatalf("Write iteration %d: got %v, want nil", i, err)
		}
	}

	if err := f.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := c.Rename("/data/f.bin", "/data/g.bin"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if err := c.AtomicReplace("/data/doc.json", []byte("{}"), 0o640); err != nil {
		t.Fatalf("AtomicReplace: %v", err)
	}
}

func Test_Chaos_WriteFailRate_One_Always_Injects_On_Write(t *testing.T) {
	c := platformfs.NewChaos(platformfs.NewMemFS(), platformfs.ChaosConfig{
		WriteFailRate: 1,
		Rand:          rand.New(rand.NewPCG(1, 1)),
	})

	f, err := c.Create("/data/f.bin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := f.Write([]byte("x")); !errors.Is(err, platformfs.ErrChaosInjected) {
		t.Fatalf("got err %v, want ErrChaosInjected", err)
	}
}

func Test_Chaos_SyncFailRate_One_Always_Injects_On_Sync_And_FlushFile(t *testing.T) {
	c := platformfs.NewChaos(platformfs.NewMemFS(), platformfs.ChaosConfig{
		SyncFailRate: 1,
		Rand:         rand.New(rand.NewPCG(1, 1)),
	})

	f, err := c.Create("/data/f.bin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.Sync(); !errors.Is(err, platformfs.ErrChaosInjected) {
		t.Fatalf("got Sync err %v, want ErrChaosInjected", err)
	}

	if err := c.FlushFile(f); !errors.Is(err, platformfs.ErrChaosInjected) {
		t.Fatalf("got FlushFile err %v, want ErrChaosInjected", err)
	}
}

func Test_Chaos_RenameFailRate_One_Always_Injects(t *testing.T) {
	c := platformfs.NewChaos(platformfs.NewMemFS(), platformfs.ChaosConfig{
		RenameFailRate: 1,
		Rand:           rand.New(rand.NewPCG(1, 1)),
	})

	if err := c.Rename("/data/a.bin", "/data/b.bin"); !errors.Is(err, platformfs.ErrChaosInjected) {
		t.Fatalf("got err %v, want ErrChaosInjected", err)
	}
}

func Test_Chaos_ReplaceFailRate_One_Always_Injects(t *testing.T) {
	c := platformfs.NewChaos(platformfs.NewMemFS(), platformfs.ChaosConfig{
		ReplaceFailRate: 1,
		Rand:            rand.New(rand.NewPCG(1, 1)),
	})

	if err := c.AtomicReplace("/data/doc.json", []byte("{}"), 0o640); !errors.Is(err, platformfs.ErrChaosInjected) {
		t.Fatalf("got err %v, want ErrChaosInjected", err)
	}
}

func Test_Chaos_Passes_Through_Unrelated_Calls_Untouched(t *testing.T) {
	c := platformfs.NewChaos(platformfs.NewMemFS(), platformfs.ChaosConfig{
		WriteFailRate:   1,
		SyncFailRate:    1,
		RenameFailRate:  1,
		ReplaceFailRate: 1,
	})

	if err := c.EnsureDirectory("/data", 0o755); err != nil {
		t.Fatalf("EnsureDirectory: got %v, want nil (not a chaos-gated operation)", err)
	}

	if _, err := c.Exists("/data/missing.bin"); err != nil {
		t.Fatalf("Exists: got %v, want nil", err)
	}

	if err := c.Remove("/data/missing.bin"); err != nil {
		t.Fatalf("Remove: got %v, want nil", err)
	}
}
