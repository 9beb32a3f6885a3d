package bridge

import "testing"

func TestUpdateCreatesOperationalEntry(t *testing.T) {
	c := NewCatalog()
	c.Update("b1", "1.0", "us", "relay1", 0.1, false)

	b, ok := c.Get("b1")
	if !ok || !b.Operational {
		t.Fatalf("expected an operational entry, got %+v ok=%v", b, ok)
	}
}

func TestUpdateWithGracefulShutdownClearsOperational(t *testing.T) {
	c := NewCatalog()
	c.Update("b1", "1.0", "us", "relay1", 0.1, false)
	c.Update("b1", "1.0", "us", "relay1", 0.2, true)

	b, _ := c.Get("b1")
	if b.Operational {
		t.Fatalf("expected graceful shutdown to clear operational")
	}
	if b.Stress != 0.2 {
		t.Fatalf("expected fields to still refresh, got stress=%v", b.Stress)
	}
}

func TestMarkDownClearsOperational(t *testing.T) {
	c := NewCatalog()
	c.Update("b1", "1.0", "us", "relay1", 0.1, false)
	c.MarkDown("b1")

	b, _ := c.Get("b1")
	if b.Operational {
		t.Fatalf("expected MarkDown to clear operational")
	}
}

func TestSelectExcludesNonOperational(t *testing.T) {
	c := NewCatalog()
	c.Update("b1", "1.0", "us", "r1", 0.1, false)
	c.Update("b2", "1.0", "us", "r2", 0.1, false)
	c.MarkDown("b1")

	got, ok := c.Select(Constraints{})
	if !ok || got.Address != "b2" {
		t.Fatalf("expected b2, got %+v ok=%v", got, ok)
	}
}

func TestSelectHonorsVersionPin(t *testing.T) {
	c := NewCatalog()
	c.Update("b1", "1.0", "us", "r1", 0.1, false)
	c.Update("b2", "2.0", "us", "r2", 0.1, false)

	got, ok := c.Select(Constraints{VersionPin: "2.0"})
	if !ok || got.Address != "b2" {
		t.Fatalf("expected b2, got %+v ok=%v", got, ok)
	}
}

func TestSelectPrefersRegionWhenViable(t *testing.T) {
	c := NewCatalog()
	c.Update("b1", "1.0", "eu", "r1", 0.0, false)
	c.Update("b2", "1.0", "us", "r2", 0.9, false)

	got, ok := c.Select(Constraints{Region: "us"})
	if !ok || got.Address != "b2" {
		t.Fatalf("expected regional preference to win despite higher stress, got %+v ok=%v", got, ok)
	}
}

func TestSelectFallsBackWhenRegionUnavailable(t *testing.T) {
	c := NewCatalog()
	c.Update("b1", "1.0", "eu", "r1", 0.1, false)

	got, ok := c.Select(Constraints{Region: "us"})
	if !ok || got.Address != "b1" {
		t.Fatalf("expected fallback to b1, got %+v ok=%v", got, ok)
	}
}

func TestSelectBreaksTiesByStressThenAddress(t *testing.T) {
	c := NewCatalog()
	c.Update("b2", "1.0", "us", "r2", 0.5, false)
	c.Update("b1", "1.0", "us", "r1", 0.5, false)
	c.Update("b3", "1.0", "us", "r3", 0.1, false)

	got, ok := c.Select(Constraints{})
	if !ok || got.Address != "b3" {
		t.Fatalf("expected lowest-stress b3, got %+v ok=%v", got, ok)
	}

	c2 := NewCatalog()
	c2.Update("b2", "1.0", "us", "r2", 0.5, false)
	c2.Update("b1", "1.0", "us", "r1", 0.5, false)
	got2, ok := c2.Select(Constraints{})
	if !ok || got2.Address != "b1" {
		t.Fatalf("expected deterministic tie-break by address, got %+v ok=%v", got2, ok)
	}
}

func TestSelectExcludesAlreadyTriedForRelay(t *testing.T) {
	c := NewCatalog()
	c.Update("b1", "1.0", "us", "r1", 0.1, false)
	c.Update("b2", "1.0", "us", "r2", 0.1, false)

	got, ok := c.Select(Constraints{ForRelay: true, InUse: map[string]bool{"b1": true}})
	if !ok || got.Address != "b2" {
		t.Fatalf("expected b2 (b1 already in use), got %+v ok=%v", got, ok)
	}
}

func TestSelectHonorsPerConferenceExclusion(t *testing.T) {
	c := NewCatalog()
	c.Update("b1", "1.0", "us", "r1", 0.0, false)
	c.Update("b2", "1.0", "us", "r2", 0.9, false)

	got, ok := c.Select(Constraints{Excluded: map[string]bool{"b1": true}})
	if !ok || got.Address != "b2" {
		t.Fatalf("expected b2 after excluding b1, got %+v ok=%v", got, ok)
	}
}

func TestSelectReturnsFalseWhenNoneQualify(t *testing.T) {
	c := NewCatalog()
	_, ok := c.Select(Constraints{})
	if ok {
		t.Fatalf("expected no selection from an empty catalog")
	}
}
