package server

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joseph-ayodele/agro-preprocess/internal/utils"
)

// ExportJob returns the XLSX report of "job_id".
func (s *PreprocessServer) ExportJob(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	jobID := utils.StringField(req, "job_id")
	if jobID == "" {
		return nil, errInvalidArg("job_id is required")
	}

	xlsx, err := s.export.JobXLSX(ctx, jobID)
	if err != nil {
		return nil, s.fail(ctx, "export.xlsx.failed", err)
	}
	return wrapperspb.Bytes(xlsx), nil
}
