// Package rfc9211 writes the Cache-Status response header field (RFC 9211).
package rfc9211

import (
	"strconv"
	"strings"
)

const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
)

// CacheStatus is one Cache-Status list member.
type CacheStatus struct {
	// Name of the cache, the list member token.
	Cache     string
	Status    Status
	FwdReason FwdReason
	// Status code the cache received from the next hop, 0 if none.
	FwdStatus int
	// Remaining freshness in seconds, 0 if unknown.
	TimeToLive int
	Stored     bool
	Detail     string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(cs.Cache)
	if cs.Status == StatusHit {
		b.WriteString("; hit")
	} else if cs.FwdReason != "" {
		b.WriteString("; fwd=")
		b.WriteString(string(cs.FwdReason))
	}
	if cs.FwdStatus != 0 {
		b.WriteString("; fwd-status=")
		b.WriteString(strconv.Itoa(cs.FwdStatus))
	}
	if cs.TimeToLive > 0 {
		b.WriteString("; ttl=")
		b.WriteString(strconv.Itoa(cs.TimeToLive))
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Detail != "" {
		b.WriteString("; detail=")
		b.WriteString(strconv.Quote(cs.Detail))
	}
	return b.String()
}
