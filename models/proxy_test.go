package models

import (
	"testing"
	"time"
)

func TestProxyRecordKey(t *testing.T) {
	rec := &ProxyRecord{Host: "1.2.3.4", Port: 8080, Protocol: "http"}
	if got := rec.Key(); got != "1.2.3.4:8080" {
		t.Fatalf("Key() = %q, want %q", got, "1.2.3.4:8080")
	}
	if got := rec.URL(); got != "http://1.2.3.4:8080" {
		t.Fatalf("URL() = %q, want %q", got, "http://1.2.3.4:8080")
	}
}

func TestSuccessRate(t *testing.T) {
	tests := []struct {
		name    string
		success int
		failure int
		want    float64
	}{
		{"无记录", 0, 0, 0},
		{"全部成功", 10, 0, 1.0},
		{"全部失败", 0, 5, 0},
		{"混合", 9, 1, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &ProxyRecord{Success: tt.success, Failure: tt.failure}
			if got := rec.SuccessRate(); got != tt.want {
				t.Fatalf("SuccessRate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCloneIndependent(t *testing.T) {
	rec := &ProxyRecord{Host: "1.2.3.4", Port: 80, Success: 3, Latency: time.Second}
	clone := rec.Clone()
	clone.Success = 100
	clone.Host = "5.6.7.8"

	if rec.Success != 3 || rec.Host != "1.2.3.4" {
		t.Fatal("modifying the clone must not affect the original")
	}
}

func TestStateString(t *testing.T) {
	states := map[ProxyState]string{
		StateCandidate: "candidate",
		StateValidated: "validated",
		StateFailed:    "failed",
		StateEvicted:   "evicted",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestFailedSet(t *testing.T) {
	fs := NewFailedSet()
	if fs.Contains("1.2.3.4:80") {
		t.Fatal("empty set must not contain anything")
	}

	fs.Add("1.2.3.4:80")
	fs.Add("1.2.3.4:80") // 重复加入不计数
	fs.Add("5.6.7.8:80")

	if !fs.Contains("1.2.3.4:80") {
		t.Fatal("set must contain an added key")
	}
	if got := fs.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}
