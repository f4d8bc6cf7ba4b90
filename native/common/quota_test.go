package common

import (
	"errors"
	"testing"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerMin: 2}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 1, 0)
	if err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	next, err = CheckQuota(q, 1, next, 1, 0)
	if err != nil {
		t.Fatalf("second request rejected: %v", err)
	}
	if _, err = CheckQuota(q, 1, next, 1, 0); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected request quota error, got %v", err)
	}
}

func TestCheckQuotaDepositCap(t *testing.T) {
	q := Quota{MaxDepositPerEpoch: 1000}
	prev := QuotaNow{EpochID: 7}

	next, err := CheckQuota(q, 7, prev, 0, 900)
	if err != nil {
		t.Fatalf("deposit within cap rejected: %v", err)
	}
	if _, err = CheckQuota(q, 7, next, 0, 101); !errors.Is(err, ErrQuotaDepositCapExceeded) {
		t.Fatalf("expected deposit cap error, got %v", err)
	}
}

func TestCheckQuotaEpochRollover(t *testing.T) {
	q := Quota{MaxRequestsPerMin: 1, MaxDepositPerEpoch: 100}
	prev := QuotaNow{ReqCount: 1, DepositUsed: 100, EpochID: 3}

	next, err := CheckQuota(q, 4, prev, 1, 100)
	if err != nil {
		t.Fatalf("rollover should reset counters: %v", err)
	}
	if next.EpochID != 4 || next.ReqCount != 1 || next.DepositUsed != 100 {
		t.Fatalf("unexpected counters after rollover: %+v", next)
	}
}
