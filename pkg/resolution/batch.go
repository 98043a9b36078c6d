package resolution

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ResolveBatch resolves a bounded batch of records concurrently. Failures
// are isolated per record: a record that errors is marked failed and the
// rest of the batch continues.
func (s *Service) ResolveBatch(ctx context.Context, records []models.IncomingRecord) (*models.BatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.ResolveBatch")
	defer span.End()

	if len(records) == 0 {
		return &models.BatchResult{}, nil
	}
	if len(records) > s.cfg.BatchLimit {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("batch of %d exceeds limit of %d", len(records), s.cfg.BatchLimit))
	}

	log := s.log.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(records),
	})

	results := make([]models.BatchItemResult, len(records))
	indexes := make(chan int)

	workers := s.cfg.WorkerCount
	if workers > len(records) {
		workers = len(records)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				record := records[i]
				resolution, err := s.Resolve(ctx, &record)
				results[i] = models.BatchItemResult{Index: i, Resolution: resolution}
				if err != nil {
					results[i].Error = err.Error()
				}
			}
		}()
	}

	for i := range records {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	failed := 0
	for _, item := range results {
		if item.Error != "" {
			failed++
		}
	}

	log.WithFields(map[string]any{"failed": failed}).Info("Batch resolution complete")

	return &models.BatchResult{Items: results, Failed: failed}, nil
}
