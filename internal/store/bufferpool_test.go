package store

import "testing"

type recordingObserver struct {
	hits  map[string]int
	misse map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{hits: map[string]int{}, misse: map[string]int{}}
}

func (o *recordingObserver) RecordBufferPoolHit(class string)  { o.hits[class]++ }
func (o *recordingObserver) RecordBufferPoolMiss(class string) { o.misse[class]++ }

func TestClassify(t *testing.T) {
	cases := []struct {
		size int
		want sizeClass
	}{
		{0, sizeClassSmall},
		{64 * 1024, sizeClassSmall},
		{64*1024 + 1, sizeClassMedium},
		{1024 * 1024, sizeClassMedium},
		{1024*1024 + 1, sizeClassLarge},
	}
	for _, c := range cases {
		if got := classify(c.size); got != c.want {
			t.Errorf("classify(%d) = %v, want %v", c.size, got, c.want)
		}
	}
}

func TestBufferPoolReuse(t *testing.T) {
	obs := newRecordingObserver()
	p := newBufferPool(obs)

	buf := p.get(128)
	if len(buf) != 128 {
		t.Fatalf("expected len 128, got %d", len(buf))
	}
	p.put(buf)

	buf2 := p.get(64)
	if len(buf2) != 64 {
		t.Fatalf("expected len 64, got %d", len(buf2))
	}
	if obs.hits["small"] == 0 {
		t.Error("expected a recorded pool hit after returning a buffer of the same class")
	}
}

func TestBufferPoolMissOnFirstUse(t *testing.T) {
	obs := newRecordingObserver()
	p := newBufferPool(obs)
	p.get(10)
	if obs.misse["small"] != 1 {
		t.Errorf("expected one miss on first use, got %d", obs.misse["small"])
	}
}
