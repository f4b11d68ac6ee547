package mapping

// TimePath is the reserved target path carrying the object timestamp. When
// no rule populates it, extraction injects the current time for APIs that
// require one.
const TimePath = "time"

// RequestMethod is the platform operation an emitted request performs.
type RequestMethod string

const (
	MethodCreate RequestMethod = "CREATE"
	MethodUpdate RequestMethod = "UPDATE"
	MethodPatch  RequestMethod = "PATCH"
)

// DomainRequest is one platform (or broker, for outbound mappings) request
// produced by writing the processing cache into the target template. A
// multi-device fan-out emits several requests chained by Predecessor.
type DomainRequest struct {
	Method  RequestMethod  `json:"method"`
	API     TargetAPI      `json:"api"`
	Payload map[string]any `json:"payload"`
	// PlatformID is the resolved platform object id the request addresses.
	PlatformID string `json:"platformId,omitempty"`
	// ExternalID is the broker-side identifier the platform id was
	// resolved from (inbound) or to (outbound).
	ExternalID string `json:"externalId,omitempty"`
	// PublishTopic is the resolved outbound topic; empty for inbound.
	PublishTopic string `json:"publishTopic,omitempty"`
	// Predecessor is the index of the request emitted immediately before
	// this one within the same context, or -1 for the first.
	Predecessor int `json:"predecessor"`
	// Error records a failure scoped to this request only.
	Error error `json:"-"`
}

// ProcessingContext is the transient state of one message being processed
// against one mapping. Contexts are never shared between mappings: sibling
// mappings matched to the same message each get an independent context with
// an independent error state.
type ProcessingContext struct {
	Tenant  string
	Topic   string
	Mapping *Mapping

	// RawPayload is the wire bytes as received.
	RawPayload []byte
	// Payload is the deserialized source payload.
	Payload any

	Cache    *ProcessingCache
	Requests []DomainRequest

	Errors   []error
	Warnings []string

	// SendPayload is false for dry runs: identifier lookups that miss
	// return no id instead of failing, and nothing is transmitted.
	SendPayload bool

	// DeviceName and DeviceType override the synthesized defaults when a
	// non-existing device is created implicitly.
	DeviceName string
	DeviceType string

	// ResolvedPublishTopic is the concrete outbound topic after wildcard
	// substitution.
	ResolvedPublishTopic string

	ignoreFurther bool
}

// NewProcessingContext prepares the per-message, per-mapping state.
func NewProcessingContext(tenant, topic string, m *Mapping, raw []byte) *ProcessingContext {
	return &ProcessingContext{
		Tenant:      tenant,
		Topic:       topic,
		Mapping:     m,
		RawPayload:  raw,
		Cache:       NewProcessingCache(),
		SendPayload: true,
	}
}

// AddRequest appends a request, chaining it to its predecessor, and returns
// its index.
func (p *ProcessingContext) AddRequest(r DomainRequest) int {
	r.Predecessor = len(p.Requests) - 1
	p.Requests = append(p.Requests, r)
	return len(p.Requests) - 1
}

// AddError records a processing failure scoped to this context.
func (p *ProcessingContext) AddError(err error) {
	if err != nil {
		p.Errors = append(p.Errors, err)
	}
}

// AddWarning records a non-fatal observation surfaced to test-mapping calls.
func (p *ProcessingContext) AddWarning(msg string) {
	p.Warnings = append(p.Warnings, msg)
}

// SetIgnoreFurtherProcessing marks the message as intentionally filtered by
// the extraction stage; no requests will be emitted and no error recorded.
func (p *ProcessingContext) SetIgnoreFurtherProcessing() {
	p.ignoreFurther = true
}

// IgnoreFurtherProcessing reports whether the extraction stage filtered the
// message out.
func (p *ProcessingContext) IgnoreFurtherProcessing() bool {
	return p.ignoreFurther
}

// Failed reports whether any error was recorded.
func (p *ProcessingContext) Failed() bool {
	return len(p.Errors) > 0
}
