package oracle

import "context"

// Func implements Client with plain functions, for pipeline tests. A nil
// function returns an empty result, which reads as "the model found nothing".
type Func struct {
	ExtractFunc  func(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error)
	OrganizeFunc func(ctx context.Context, req *OrganizationRequest) (*OrganizationResult, error)
}

var _ Client = Func{}

func (f Func) Extract(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error) {
	if f.ExtractFunc == nil {
		return &ExtractionResult{}, nil
	}
	return f.ExtractFunc(ctx, req)
}

func (f Func) Organize(ctx context.Context, req *OrganizationRequest) (*OrganizationResult, error) {
	if f.OrganizeFunc == nil {
		return &OrganizationResult{}, nil
	}
	return f.OrganizeFunc(ctx, req)
}
