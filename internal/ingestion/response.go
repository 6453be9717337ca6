package ingestion

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/medstore-io/medstore/internal/dicom"
)

var (
	// ErrResponseAlreadyBuilt is returned when BuildResponse is called more than once.
	ErrResponseAlreadyBuilt = errors.New("response already built")

	// ErrInvalidBaseURL indicates a base URL that cannot be used to build retrieve URLs.
	ErrInvalidBaseURL = errors.New("invalid base URL")
)

// StoreResponseStatus summarises the outcomes recorded for a batch.
type StoreResponseStatus int

const (
	// StatusNone means no outcome was recorded.
	StatusNone StoreResponseStatus = iota
	// StatusSuccess means every instance was stored.
	StatusSuccess
	// StatusPartialSuccess means some instances were stored and some failed.
	StatusPartialSuccess
	// StatusFailure means every instance failed.
	StatusFailure
)

func (s StoreResponseStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSuccess:
		return "success"
	case StatusPartialSuccess:
		return "partial_success"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// StoreResponse is the single result of a batch.
type StoreResponse struct {
	Status  StoreResponseStatus
	Dataset *dicom.Dataset
}

// ResponseBuilder accumulates per-instance outcomes. Implementations must tolerate
// concurrent Add calls. BuildResponse is called once after the last Add.
type ResponseBuilder interface {
	AddSuccess(ds *dicom.Dataset)
	AddFailure(ds *dicom.Dataset, code dicom.FailureReasonCode)
	BuildResponse(requiredStudyInstanceUID string) (*StoreResponse, error)
}

// ResponseBuilderFactory creates one builder per batch.
type ResponseBuilderFactory func() ResponseBuilder

// URLResolver builds retrieve URLs under a base URL.
type URLResolver struct {
	base *url.URL
}

// NewURLResolver parses base, which must be an absolute http(s) URL.
func NewURLResolver(base string) (*URLResolver, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidBaseURL, base)
	}

	return &URLResolver{base: u}, nil
}

// StudyURL returns <base>/studies/<study>.
func (r *URLResolver) StudyURL(studyInstanceUID string) string {
	return r.base.JoinPath("studies", studyInstanceUID).String()
}

// InstanceURL returns <base>/studies/<study>/series/<series>/instances/<sop>.
func (r *URLResolver) InstanceURL(id dicom.InstanceIdentifier) string {
	return r.base.JoinPath(
		"studies", id.StudyInstanceUID,
		"series", id.SeriesInstanceUID,
		"instances", id.SOPInstanceUID,
	).String()
}

// StoreResponseBuilder builds the store response dataset: stored instances under
// ReferencedSOPSequence and failed ones under FailedSOPSequence.
type StoreResponseBuilder struct {
	resolver *URLResolver

	mu        sync.Mutex
	dataset   *dicom.Dataset
	successes int
	failures  int
	built     bool
}

// NewStoreResponseBuilder creates a builder resolving retrieve URLs with resolver.
func NewStoreResponseBuilder(resolver *URLResolver) *StoreResponseBuilder {
	return &StoreResponseBuilder{
		resolver: resolver,
		dataset:  dicom.NewDataset(),
	}
}

// NewStoreResponseBuilderFactory returns a factory for use by the Pipeline.
func NewStoreResponseBuilderFactory(resolver *URLResolver) ResponseBuilderFactory {
	return func() ResponseBuilder {
		return NewStoreResponseBuilder(resolver)
	}
}

// AddSuccess records a stored instance.
func (b *StoreResponseBuilder) AddSuccess(ds *dicom.Dataset) {
	item := dicom.NewDataset()
	item.Add(dicom.ReferencedSOPClassUID, dicom.VRUI, ds.String(dicom.SOPClassUID))
	item.Add(dicom.ReferencedSOPInstanceUID, dicom.VRUI, ds.String(dicom.SOPInstanceUID))
	item.Add(dicom.RetrieveURL, dicom.VRUR, b.resolver.InstanceURL(dicom.IdentifierOf(ds)))

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dataset.AppendItem(dicom.ReferencedSOPSequence, item)
	b.successes++
}

// AddFailure records a failed instance. ds is nil when the dataset could not be read.
func (b *StoreResponseBuilder) AddFailure(ds *dicom.Dataset, code dicom.FailureReasonCode) {
	item := dicom.NewDataset()

	if ds != nil {
		item.Add(dicom.ReferencedSOPClassUID, dicom.VRUI, ds.String(dicom.SOPClassUID))
		item.Add(dicom.ReferencedSOPInstanceUID, dicom.VRUI, ds.String(dicom.SOPInstanceUID))
	}

	item.Add(dicom.FailureReason, dicom.VRUS, float64(code))

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dataset.AppendItem(dicom.FailedSOPSequence, item)
	b.failures++
}

// BuildResponse returns the response. It can be called only once.
func (b *StoreResponseBuilder) BuildResponse(requiredStudyInstanceUID string) (*StoreResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built {
		return nil, ErrResponseAlreadyBuilt
	}

	b.built = true

	if requiredStudyInstanceUID != "" {
		b.dataset.Add(dicom.RetrieveURL, dicom.VRUR, b.resolver.StudyURL(requiredStudyInstanceUID))
	}

	status := StatusNone

	switch {
	case b.successes > 0 && b.failures == 0:
		status = StatusSuccess
	case b.successes > 0:
		status = StatusPartialSuccess
	case b.failures > 0:
		status = StatusFailure
	}

	return &StoreResponse{Status: status, Dataset: b.dataset}, nil
}
