// Package message defines the closed set of request/response variants
// exchanged between file processors, the coordinator, and renderer units.
//
// Every variant embeds an Envelope carrying the ClientID/RequestID pair that
// correlates one request with exactly one response across every hop. The
// variants are plain structs rather than a string-typed map so a switch over
// them is checkable at compile time.
package message

import "github.com/google/uuid"

// ClientID scopes every request, cached result, and recovery event to one
// logical document-processing session.
type ClientID string

// RequestID correlates one request with exactly one response. Never reused
// while the request is pending.
type RequestID string

// NewClientID mints a fresh client identity.
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// NewRequestID mints a fresh correlation identifier.
func NewRequestID() RequestID {
	return RequestID(uuid.NewString())
}

// RecoveryKey indexes orphaned results for late pickup.
func RecoveryKey(c ClientID, r RequestID) string {
	return string(c) + "+" + string(r)
}

// Envelope is the correlation header shared by all variants.
type Envelope struct {
	Client  ClientID
	Request RequestID
}

// Correlation returns the client/request pair for routing.
func (e Envelope) Correlation() (ClientID, RequestID) {
	return e.Client, e.Request
}

// NewEnvelope builds an envelope for client with a fresh RequestID.
func NewEnvelope(client ClientID) Envelope {
	return Envelope{Client: client, Request: NewRequestID()}
}

// Request is the sealed set of messages a unit can receive.
type Request interface {
	Correlation() (ClientID, RequestID)
	isRequest()
}

// Response is the sealed set of messages a unit can emit.
type Response interface {
	Correlation() (ClientID, RequestID)
	isResponse()
}

// RenderConfig carries the knobs for scale computation.
type RenderConfig struct {
	// Scale is the caller-requested base scale (1.0 = 100%).
	Scale float64
	// DPR is the device pixel ratio of the display the page targets.
	DPR float64
	// MaxDimension bounds the longest rendered edge in pixels.
	MaxDimension int
	// MinQualityScale floors the computed scale.
	MinQualityScale float64
}

// DisplayInfo describes the container the page will be fitted into.
type DisplayInfo struct {
	ContainerWidth  int
	ContainerHeight int
}

// InitDocument asks a unit to open a document for the sending client.
type InitDocument struct {
	Envelope
	Data []byte
}

// GetPage asks a unit to rasterize one page.
type GetPage struct {
	Envelope
	PageNumber int
	Config     RenderConfig
	Display    DisplayInfo
}

// CleanupDocument releases the client's document and caches on the unit.
type CleanupDocument struct {
	Envelope
}

// AbortProcessing stops scheduling work for the client and releases its
// document. Same unit-side effect as CleanupDocument, distinct so the
// requester can tell a cancellation ack from a normal teardown ack.
type AbortProcessing struct {
	Envelope
}

func (InitDocument) isRequest()    {}
func (GetPage) isRequest()         {}
func (CleanupDocument) isRequest() {}
func (AbortProcessing) isRequest() {}

// DocumentOpened answers InitDocument.
type DocumentOpened struct {
	Envelope
	TotalPages int
}

// PageRendered answers GetPage with the encoded page image. Buffer ownership
// moves to the receiver; the unit keeps no reference.
type PageRendered struct {
	Envelope
	PageNumber int
	Buffer     []byte
	Width      int
	Height     int
}

// CleanupDone acknowledges CleanupDocument.
type CleanupDone struct {
	Envelope
}

// AbortDone acknowledges AbortProcessing.
type AbortDone struct {
	Envelope
}

// Failure answers any request that could not be served. The failed request's
// kind is preserved so recovery subscribers can tell what was lost.
type Failure struct {
	Envelope
	Kind string
	Err  error
}

func (DocumentOpened) isResponse() {}
func (PageRendered) isResponse()   {}
func (CleanupDone) isResponse()    {}
func (AbortDone) isResponse()      {}
func (Failure) isResponse()        {}

func (f Failure) Error() string {
	if f.Err == nil {
		return "render failure"
	}
	return f.Err.Error()
}

// KindOf names a request variant for logs and Failure metadata.
func KindOf(r Request) string {
	switch r.(type) {
	case InitDocument:
		return "InitDocument"
	case GetPage:
		return "GetPage"
	case CleanupDocument:
		return "CleanupDocument"
	case AbortProcessing:
		return "AbortProcessing"
	}
	return "Unknown"
}

// IsTerminalControl reports whether r is a cleanup/abort acknowledgment, the
// signal for the coordinator to sweep the client's remaining bookkeeping.
func IsTerminalControl(r Response) bool {
	switch r.(type) {
	case CleanupDone, AbortDone:
		return true
	}
	return false
}
