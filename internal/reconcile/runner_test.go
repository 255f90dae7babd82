package reconcile_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
	"consentledger/internal/ledger/service"
	"consentledger/internal/ledger/store"
	"consentledger/internal/reconcile"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/audit"
	"consentledger/pkg/platform/audit/publishers/compliance"
	auditmemory "consentledger/pkg/platform/audit/store/memory"
)

// staticSource replays a fixed list of facts.
type staticSource struct {
	name   string
	facts  []reconcile.Fact
	policy interface {
		ShouldWrite(*models.Version, reconcile.Fact) bool
	}
	err error
	// skipUnwritten keeps emitting after a fact the runner could not write.
	skipUnwritten bool
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) FetchFacts(ctx context.Context, emit reconcile.EmitFunc) error {
	for _, f := range s.facts {
		if err := emit(ctx, f); err != nil {
			if s.skipUnwritten && errors.Is(err, reconcile.ErrNotWritten) {
				continue
			}
			return err
		}
	}
	return s.err
}

func (s *staticSource) ShouldWrite(current *models.Version, fact reconcile.Fact) bool {
	return s.policy.ShouldWrite(current, fact)
}

type RunnerSuite struct {
	suite.Suite
	ctx     context.Context
	service *service.Service
	audit   *auditmemory.InMemoryStore
	metrics *reconcile.Metrics
	t0      time.Time
}

func TestRunnerSuite(t *testing.T) {
	suite.Run(t, new(RunnerSuite))
}

func (s *RunnerSuite) SetupTest() {
	s.ctx = context.Background()
	mem := store.NewInMemory()
	s.service = service.New(mem, mem)
	s.Require().NoError(s.service.EnsureCategories(s.ctx, []string{"email_marketing", "phone_marketing"}))
	s.audit = auditmemory.NewInMemoryStore()
	s.metrics = reconcile.NewMetrics(prometheus.NewRegistry())
	s.t0 = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
}

func (s *RunnerSuite) runner(sources ...reconcile.Source) *reconcile.Runner {
	return reconcile.NewRunner(s.service, compliance.New(s.audit), sources,
		reconcile.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		reconcile.WithMetrics(s.metrics),
	)
}

func (s *RunnerSuite) fact(email string, granted bool, at time.Time) reconcile.Fact {
	return reconcile.Fact{
		Contact:    identity.Contact{Email: email},
		Category:   "email_marketing",
		Granted:    granted,
		OccurredAt: &at,
		RecordID:   email,
	}
}

func (s *RunnerSuite) seed(email string, at time.Time, grant ...string) {
	_, err := s.service.WriteVersion(s.ctx, models.WriteRequest{
		Contact:     identity.Contact{Email: email},
		Grant:       grant,
		LogicalTime: &at,
	}, audit.Discard)
	s.Require().NoError(err)
}

func (s *RunnerSuite) TestWritesOnlyChangingFacts() {
	s.seed("consenting@bar.com", s.t0, "email_marketing", "phone_marketing")
	s.seed("optedout@bar.com", s.t0)

	acked := 0
	optOut := s.fact("consenting@bar.com", false, s.t0.Add(time.Hour))
	optOut.AfterWrite = func(context.Context) error { acked++; return nil }

	src := &staticSource{
		name:   "dynamics",
		policy: reconcile.OptOutPolicy{},
		facts: []reconcile.Fact{
			optOut,
			s.fact("optedout@bar.com", false, s.t0.Add(time.Hour)),
			s.fact("unknown@bar.com", false, s.t0.Add(time.Hour)),
			s.fact("optin@bar.com", true, s.t0.Add(time.Hour)),
			s.fact("not-an-email", false, s.t0.Add(time.Hour)),
		},
	}

	results, err := s.runner(src).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	r := results[0]
	s.Equal("dynamics", r.Source)
	s.Equal(5, r.Processed)
	s.Equal(2, r.Written)
	s.Equal(2, r.Skipped)
	s.Equal(1, r.Invalid)
	s.Equal(1, acked, "only written facts are acknowledged")

	v, found, err := s.service.GetCurrent(s.ctx, identity.Contact{Email: "consenting@bar.com"})
	s.Require().NoError(err)
	s.Require().True(found)
	s.Equal([]string{"phone_marketing"}, v.Consents)
	s.Equal(s.t0.Add(time.Hour), v.LogicalTime)

	_, found, err = s.service.GetCurrent(s.ctx, identity.Contact{Email: "optin@bar.com"})
	s.Require().NoError(err)
	s.False(found, "opt-out policy never grants")

	s.Equal(float64(2), testutil.ToFloat64(s.metrics.Facts.WithLabelValues("dynamics", "written")))
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Facts.WithLabelValues("dynamics", "invalid")))
}

func (s *RunnerSuite) TestRerunIsIdempotent() {
	src := &staticSource{
		name:   "forms",
		policy: reconcile.StandardPolicy{},
		facts: []reconcile.Fact{
			s.fact("foo@bar.com", true, s.t0),
			s.fact("baz@bar.com", false, s.t0),
		},
	}
	runner := s.runner(src)

	first, err := runner.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, first[0].Written)

	second, err := runner.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, second[0].Written)
	s.Equal(2, second[0].Skipped)

	history, err := s.service.History(s.ctx, identity.Contact{Email: "foo@bar.com"})
	s.Require().NoError(err)
	s.Len(history, 1)
}

func (s *RunnerSuite) TestLateFactDoesNotBecomeCurrent() {
	s.seed("foo@bar.com", s.t0, "email_marketing")
	src := &staticSource{
		name:   "adobe",
		policy: reconcile.OptOutPolicy{},
		facts:  []reconcile.Fact{s.fact("foo@bar.com", false, s.t0.Add(-24*time.Hour))},
	}

	results, err := s.runner(src).RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, results[0].Written)

	v, _, err := s.service.GetCurrent(s.ctx, identity.Contact{Email: "foo@bar.com"})
	s.Require().NoError(err)
	s.True(v.Has("email_marketing"), "the older opt-out is history only")
}

func (s *RunnerSuite) TestSourcesRunIndependently() {
	failing := &staticSource{name: "broken", policy: reconcile.StandardPolicy{}, err: errors.New("upstream unavailable")}
	healthy := &staticSource{
		name:   "forms",
		policy: reconcile.StandardPolicy{},
		facts:  []reconcile.Fact{s.fact("foo@bar.com", true, s.t0)},
	}

	results, err := s.runner(failing, healthy).RunOnce(s.ctx)
	s.Require().Error(err)
	s.Contains(err.Error(), "reconcile broken")
	s.Require().Len(results, 2)
	s.Equal(1, results[1].Written)
}

// failingLedger rejects writes for one contact with a storage conflict.
type failingLedger struct {
	*service.Service
	email string
}

func (l failingLedger) WriteVersion(ctx context.Context, req models.WriteRequest, sink audit.Sink) (*models.Version, error) {
	if req.Contact.Email == l.email {
		return nil, dErrors.New(dErrors.CodeConflict, "concurrent write")
	}
	return l.Service.WriteVersion(ctx, req, sink)
}

func (s *RunnerSuite) TestFailedWritesAreReported() {
	ledger := failingLedger{Service: s.service, email: "stuck@bar.com"}
	run := func(src reconcile.Source) ([]reconcile.Result, error) {
		return reconcile.NewRunner(ledger, compliance.New(s.audit), []reconcile.Source{src},
			reconcile.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		).RunOnce(s.ctx)
	}
	facts := []reconcile.Fact{
		s.fact("stuck@bar.com", true, s.t0),
		s.fact("fine@bar.com", true, s.t0),
	}

	s.Run("source stops at the unwritten fact", func() {
		results, err := run(&staticSource{name: "cursor", policy: reconcile.StandardPolicy{}, facts: facts})
		s.Require().ErrorIs(err, reconcile.ErrNotWritten)
		s.Equal(1, results[0].Failed)
		s.Equal(0, results[0].Written)
	})

	s.Run("source skips the unwritten fact", func() {
		results, err := run(&staticSource{name: "full-read", policy: reconcile.StandardPolicy{}, facts: facts, skipUnwritten: true})
		s.Require().Error(err)
		s.Contains(err.Error(), "1 facts not written")
		s.Equal(1, results[0].Failed)
		s.Equal(1, results[0].Written)
	})
}

func (s *RunnerSuite) TestCancellationStopsBetweenFacts() {
	ctx, cancel := context.WithCancel(s.ctx)
	first := s.fact("first@bar.com", true, s.t0)
	first.AfterWrite = func(context.Context) error { cancel(); return nil }
	src := &staticSource{
		name:   "forms",
		policy: reconcile.StandardPolicy{},
		facts:  []reconcile.Fact{first, s.fact("second@bar.com", true, s.t0)},
	}

	results, err := s.runner(src).RunOnce(ctx)
	s.Require().ErrorIs(err, context.Canceled)
	s.Equal(1, results[0].Written)

	_, found, err := s.service.GetCurrent(s.ctx, identity.Contact{Email: "second@bar.com"})
	s.Require().NoError(err)
	s.False(found)
}

func (s *RunnerSuite) TestAuditTrail() {
	src := &staticSource{
		name:   "forms",
		policy: reconcile.StandardPolicy{},
		facts:  []reconcile.Fact{s.fact("foo@bar.com", true, s.t0)},
	}
	_, err := s.runner(src).RunOnce(s.ctx)
	s.Require().NoError(err)

	events, err := s.audit.ListAll(s.ctx)
	s.Require().NoError(err)
	var actions []audit.AuditEvent
	for _, e := range events {
		actions = append(actions, e.Action)
		s.Equal("reconcile:forms", e.ActorID)
	}
	s.Contains(actions, audit.EventVersionCreated)
	s.Contains(actions, audit.EventConsentAttached)
	s.Contains(actions, audit.EventReconcileCompleted)
}
