package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded   = errors.New("quota requests exceeded")
	ErrQuotaDepositCapExceeded = errors.New("quota deposit cap exceeded")
	ErrQuotaCounterOverflow    = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an initiator.
type QuotaNow struct {
	ReqCount    uint32
	DepositUsed uint64
	EpochID     uint64
}

// Quota defines the limits enforced for a module interaction per initiator.
type Quota struct {
	MaxRequestsPerMin  uint32
	MaxDepositPerEpoch uint64
	EpochSeconds       uint32
}

// CheckQuota verifies whether the additional request and deposit usage fit
// within the configured quota. The returned QuotaNow reflects the updated
// counters when the quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addDeposit uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerMin > 0 && next.ReqCount > q.MaxRequestsPerMin {
		return prev, ErrQuotaRequestsExceeded
	}

	if addDeposit > 0 {
		if next.DepositUsed > math.MaxUint64-addDeposit {
			return prev, ErrQuotaCounterOverflow
		}
		next.DepositUsed += addDeposit
	}
	if q.MaxDepositPerEpoch > 0 && next.DepositUsed > q.MaxDepositPerEpoch {
		return prev, ErrQuotaDepositCapExceeded
	}

	return next, nil
}
