package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"campaigner/internal/campaign"
	"campaigner/internal/domain"
	"campaigner/internal/gateway"
	"campaigner/internal/observability"
)

type Campaigns interface {
	Status(ctx context.Context, tenantID, campaignID string) (domain.CampaignStatus, error)
	RecordOutcome(ctx context.Context, out campaign.Outcome) error
	NoteTransientError(ctx context.Context, tenantID, recipientID, lastError string) error
}

type Sender interface {
	Send(ctx context.Context, req gateway.SendRequest) (gateway.SendResponse, int, []byte, error)
}

// StatusCache shields the store from one status probe per message on large
// campaigns. A nil cache means every probe hits the store.
type StatusCache interface {
	Get(ctx context.Context, tenantID, campaignID string) (domain.CampaignStatus, bool, error)
	Set(ctx context.Context, tenantID, campaignID string, status domain.CampaignStatus) error
}

type Processor struct {
	Campaigns Campaigns
	Sender    Sender
	Cache     StatusCache
	Limiter   *rate.Limiter
	Breaker   *gobreaker.CircuitBreaker

	SendTimeout time.Duration
}

func (p *Processor) sendTimeout() time.Duration {
	if p.SendTimeout > 0 {
		return p.SendTimeout
	}
	return 8 * time.Second
}

// Process handles one dispatch job. A nil return acks the message; an error
// hands it back to the queue's retry policy.
func (p *Processor) Process(ctx context.Context, job domain.DispatchJob) error {
	if job.CampaignID != "" {
		proceed, err := p.campaignStillRunning(ctx, job)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}

	var lastErr error
	start := time.Now()

	for attempt := 0; attempt < 3; attempt++ {
		// Per-pod rate limit in front of the gateway call.
		if p.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := p.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				// Starved attempts still count as a failure: the loop must
				// never exit with a nil lastErr, or the job would be acked
				// without ever reaching the gateway.
				observability.GatewaySend.WithLabelValues("rate_limited_local", "0").Inc()
				lastErr = fmt.Errorf("local rate limit: %w", err)
				time.Sleep(200 * time.Millisecond)
				continue
			}
		}

		resAny, err := p.executeWithBreaker(ctx, job)

		// Breaker open: the gateway is struggling. Fail fast and leave the
		// recipient untouched; the queue redelivers later.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.GatewaySend.WithLabelValues("cb_open", "0").Inc()
			return err
		}

		if err == nil {
			r := resAny.(sendResult)
			observability.GatewaySend.WithLabelValues("ok", strconv.Itoa(r.httpStatus)).Inc()
			observability.GatewayLatency.Observe(time.Since(start).Seconds())

			if job.RecipientID == "" {
				return nil
			}
			return p.Campaigns.RecordOutcome(ctx, campaign.Outcome{
				TenantID:     job.TenantID,
				CampaignID:   job.CampaignID,
				RecipientID:  job.RecipientID,
				Status:       domain.RecipientSent,
				GatewayMsgID: r.resp.MessageID,
				GatewayAck:   r.resp.AckLevel,
			})
		}

		lastErr = err
		httpStatus := 0
		var gce gatewayCallError
		if errors.As(err, &gce) {
			httpStatus = gce.httpStatus
		}
		observability.GatewaySend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()

		if !gateway.ShouldRetry(err, httpStatus) {
			// Permanent: bad destination, dead session, auth. Resolve the
			// recipient now instead of burning the delivery budget.
			if job.RecipientID != "" {
				if recErr := p.Campaigns.RecordOutcome(ctx, campaign.Outcome{
					TenantID:    job.TenantID,
					CampaignID:  job.CampaignID,
					RecipientID: job.RecipientID,
					Status:      domain.RecipientFailed,
					LastError:   err.Error(),
				}); recErr != nil {
					return recErr
				}
			}
			return nil
		}

		time.Sleep(gateway.Backoff(attempt))
	}

	// Transient failure after local retries: record the error, keep the
	// recipient pending, and let the queue-level retry take over.
	if job.RecipientID != "" {
		_ = p.Campaigns.NoteTransientError(ctx, job.TenantID, job.RecipientID, lastErr.Error())
	}
	return lastErr
}

// DeadLetter resolves a recipient whose job exhausted the delivery budget so
// the campaign can still complete.
func (p *Processor) DeadLetter(ctx context.Context, job domain.DispatchJob, cause error) {
	if job.RecipientID == "" {
		return
	}
	_ = p.Campaigns.RecordOutcome(ctx, campaign.Outcome{
		TenantID:    job.TenantID,
		CampaignID:  job.CampaignID,
		RecipientID: job.RecipientID,
		Status:      domain.RecipientFailed,
		LastError:   "retry budget exhausted: " + cause.Error(),
	})
}

// campaignStillRunning reports whether the job's campaign is still live.
// Cancelled campaigns fail their remaining recipients; completed or deleted
// campaigns just drop the stale job.
func (p *Processor) campaignStillRunning(ctx context.Context, job domain.DispatchJob) (bool, error) {
	status, found, err := p.cachedStatus(ctx, job.TenantID, job.CampaignID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if status == domain.CampaignRunning {
		return true, nil
	}

	// Only cancelled campaigns can still hold pending recipients here: a
	// campaign completes only once zero recipients are pending, and a deleted
	// campaign cascades its recipient rows. Dropping the job for those two
	// cannot strand anyone.
	observability.JobOutcomes.WithLabelValues("skipped_" + string(status)).Inc()
	if status == domain.CampaignCancelled && job.RecipientID != "" {
		if err := p.Campaigns.RecordOutcome(ctx, campaign.Outcome{
			TenantID:    job.TenantID,
			CampaignID:  job.CampaignID,
			RecipientID: job.RecipientID,
			Status:      domain.RecipientFailed,
			LastError:   "campaign cancelled",
		}); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (p *Processor) cachedStatus(ctx context.Context, tenantID, campaignID string) (domain.CampaignStatus, bool, error) {
	if p.Cache != nil {
		if status, hit, err := p.Cache.Get(ctx, tenantID, campaignID); err == nil && hit {
			return status, true, nil
		}
	}

	status, err := p.Campaigns.Status(ctx, tenantID, campaignID)
	if errors.Is(err, domain.ErrCampaignNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if p.Cache != nil {
		_ = p.Cache.Set(ctx, tenantID, campaignID, status)
	}
	return status, true, nil
}

func (p *Processor) executeWithBreaker(ctx context.Context, job domain.DispatchJob) (any, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, p.sendTimeout())
		defer cancel()

		resp, httpStatus, raw, callErr := p.Sender.Send(reqCtx, gateway.SendRequest{
			InstanceID:     job.GatewayInstanceID,
			CredentialsRef: job.SessionCredsRef,
			Destination:    job.Destination,
			Body:           job.RenderedMessage,
			IsGroup:        job.IsGroupDestination,
			IdempotencyKey: job.RecipientID,
		})
		if callErr != nil {
			return nil, gatewayCallError{err: callErr, httpStatus: httpStatus, raw: raw}
		}
		return sendResult{resp: resp, httpStatus: httpStatus, raw: raw}, nil
	}

	if p.Breaker == nil {
		return call()
	}
	return p.Breaker.Execute(call)
}

type sendResult struct {
	resp       gateway.SendResponse
	httpStatus int
	raw        []byte
}

type gatewayCallError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e gatewayCallError) Error() string { return e.err.Error() }
func (e gatewayCallError) Unwrap() error { return e.err }
