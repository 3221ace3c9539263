package safety

import (
	"sort"
	"testing"
)

func TestRegisterAndUnregister(t *testing.T) {
	var r Registry
	if err := r.Register(10); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(20); err != nil {
		t.Fatal(err)
	}
	if got := r.Count(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
	r.Unregister(10)
	if got := r.Count(); got != 1 {
		t.Errorf("count after unregister = %d, want 1", got)
	}
	r.Unregister(999) // unknown id is a no-op
	if got := r.Count(); got != 1 {
		t.Errorf("count after unknown unregister = %d, want 1", got)
	}
}

func TestRegisterRejectsZeroID(t *testing.T) {
	var r Registry
	if err := r.Register(0); err == nil {
		t.Error("zero id accepted")
	}
}

func TestRegisterDeduplicates(t *testing.T) {
	var r Registry
	if err := r.Register(7); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(7); err != nil {
		t.Fatal(err)
	}
	if got := r.Count(); got != 1 {
		t.Errorf("count = %d, want 1 after duplicate register", got)
	}
}

func TestRegisterFull(t *testing.T) {
	var r Registry
	for i := 1; i <= Capacity; i++ {
		if err := r.Register(uint64(i)); err != nil {
			t.Fatalf("slot %d: %v", i, err)
		}
	}
	if err := r.Register(uint64(Capacity + 1)); err == nil {
		t.Error("registration beyond capacity accepted")
	}
	r.Unregister(1)
	if err := r.Register(uint64(Capacity + 1)); err != nil {
		t.Errorf("freed slot not reusable: %v", err)
	}
}

func TestDestroyAllDrainsEverything(t *testing.T) {
	var r Registry
	var destroyed []uint64
	r.SetDestroyFunc(func(id uint64) { destroyed = append(destroyed, id) })

	for _, id := range []uint64{3, 1, 2} {
		if err := r.Register(id); err != nil {
			t.Fatal(err)
		}
	}
	r.DestroyAll()

	sort.Slice(destroyed, func(i, j int) bool { return destroyed[i] < destroyed[j] })
	want := []uint64{1, 2, 3}
	if len(destroyed) != len(want) {
		t.Fatalf("destroyed %v, want %v", destroyed, want)
	}
	for i := range want {
		if destroyed[i] != want[i] {
			t.Fatalf("destroyed %v, want %v", destroyed, want)
		}
	}
	if got := r.Count(); got != 0 {
		t.Errorf("count after DestroyAll = %d, want 0", got)
	}
}

func TestDestroyAllWithoutFuncOnlyClears(t *testing.T) {
	var r Registry
	if err := r.Register(42); err != nil {
		t.Fatal(err)
	}
	r.DestroyAll() // must not panic with no destroy func installed
	if got := r.Count(); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}
