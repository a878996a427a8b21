package ratelimit

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestBucketGrantsCapacityThenDenies(t *testing.T) {
	t.Parallel()
	l := New(map[string]Limit{"twitter": {Capacity: 5, RefillPerSec: 1}}, Limit{})
	key := Key{Platform: "twitter", AccountRef: "acct-1"}

	for i := 0; i < 5; i++ {
		if d := l.Acquire(key, t0); !d.Granted {
			t.Fatalf("acquisition %d denied, bucket should start full", i+1)
		}
	}

	d := l.Acquire(key, t0)
	if d.Granted {
		t.Fatal("6th acquisition granted, bucket should be empty")
	}
	wait := d.RetryAt.Sub(t0)
	if wait <= 0 || wait > time.Second {
		t.Fatalf("suggested retry in %v, want within one second", wait)
	}

	if d := l.Acquire(key, t0.Add(time.Second)); !d.Granted {
		t.Fatal("acquisition after refill denied")
	}
}

func TestBucketsAreIndependentPerAccount(t *testing.T) {
	t.Parallel()
	l := New(map[string]Limit{"twitter": {Capacity: 1, RefillPerSec: 0.001}}, Limit{})

	if d := l.Acquire(Key{Platform: "twitter", AccountRef: "a"}, t0); !d.Granted {
		t.Fatal("first account denied")
	}
	if d := l.Acquire(Key{Platform: "twitter", AccountRef: "a"}, t0); d.Granted {
		t.Fatal("first account bucket not drained")
	}
	if d := l.Acquire(Key{Platform: "twitter", AccountRef: "b"}, t0); !d.Granted {
		t.Fatal("second account shares the first account's bucket")
	}
}

func TestUnknownPlatformUsesFallback(t *testing.T) {
	t.Parallel()
	l := New(map[string]Limit{}, Limit{Capacity: 2, RefillPerSec: 1})
	key := Key{Platform: "mystery", AccountRef: "a"}

	if d := l.Acquire(key, t0); !d.Granted {
		t.Fatal("fallback bucket denied first acquisition")
	}
	if l.Known("mystery") {
		t.Fatal("fallback platform reported as known")
	}
}

func TestParseLimit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Limit
		wantErr bool
	}{
		{in: "300/10800", want: Limit{Capacity: 300, RefillPerSec: 300.0 / 10800}},
		{in: "5/5", want: Limit{Capacity: 5, RefillPerSec: 1}},
		{in: "300", wantErr: true},
		{in: "x/60", wantErr: true},
		{in: "0/60", wantErr: true},
		{in: "10/0", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLimit(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLimit(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLimit(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLimit(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
