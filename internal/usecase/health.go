package usecase

import (
	"context"

	"go.uber.org/zap"

	"catalog-assist/internal/apperror"
)

const healthKey = "health"

// Healthy probes the platform. Concurrent callers share one probe and its
// result is reused for a short while, so a burst of checks costs one request.
// A caller that gives up does not cancel the probe for the others.
func (s *Service) Healthy(ctx context.Context) error {
	s.healthMu.Lock()
	if s.now().Before(s.healthUntil) {
		err := s.healthErr
		s.healthMu.Unlock()
		return err
	}
	s.healthMu.Unlock()

	ch := s.healthGroup.DoChan(healthKey, func() (any, error) {
		// a probe may have finished between the check above and this call
		s.healthMu.Lock()
		if s.now().Before(s.healthUntil) {
			err := s.healthErr
			s.healthMu.Unlock()
			return nil, err
		}
		s.healthMu.Unlock()

		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeouts.Health)
		defer cancel()

		err := s.catalog.Health(probeCtx)
		if err != nil {
			err = apperror.Classify(err)
			s.log.Warn("health probe failed", zap.Error(err))
		}

		s.healthMu.Lock()
		s.healthErr = err
		s.healthUntil = s.now().Add(s.healthTTL)
		s.healthMu.Unlock()
		return nil, err
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return apperror.Classify(ctx.Err())
	}
}
