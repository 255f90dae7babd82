package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/handler/mocks"
	"consentledger/internal/ledger/models"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/audit"
	"consentledger/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/ledger-mocks.go -package=mocks Service,Auditor
type LedgerHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	auditor *mocks.MockAuditor
	router  http.Handler
}

func TestLedgerHandlerSuite(t *testing.T) {
	suite.Run(t, new(LedgerHandlerSuite))
}

func (s *LedgerHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.auditor = mocks.NewMockAuditor(ctrl)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := chi.NewRouter()
	New(s.service, s.auditor, logger, nil).Register(r)
	s.router = r
}

func (s *LedgerHandlerSuite) do(method, target string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func sampleVersion() *models.Version {
	key, _ := identity.DeriveKey("foo@bar.com", identity.KindEmail)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return &models.Version{
		ID:          7,
		Key:         key,
		Kind:        identity.KindEmail,
		Email:       "foo@bar.com",
		CreatedAt:   at,
		LogicalTime: at,
		Current:     true,
		CommitID:    uuid.New(),
		Consents:    []string{"email_marketing"},
	}
}

func (s *LedgerHandlerSuite) TestCreatePerson() {
	s.Run("writes a version attributed to the request path", func() {
		modified := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
		s.auditor.EXPECT().For(gomock.Any()).Return(audit.Discard)
		s.service.EXPECT().WriteVersion(gomock.Any(), gomock.Any(), audit.Discard).
			DoAndReturn(func(_ context.Context, req models.WriteRequest, _ audit.Sink) (*models.Version, error) {
				s.Equal("foo@bar.com", req.Contact.Email)
				s.Equal([]string{"email_marketing"}, req.Grant)
				s.Equal("/person", req.Commit.Source)
				s.Require().NotNil(req.LogicalTime)
				s.True(req.LogicalTime.Equal(modified))
				return sampleVersion(), nil
			})

		rec := s.do(http.MethodPost, "/person", map[string]any{
			"email":       "foo@bar.com",
			"consents":    []string{"email_marketing"},
			"modified_at": modified,
		})
		s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

		var resp VersionResponse
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
		s.Equal(int64(7), resp.ID)
		s.Equal("email", resp.KeyType)
		s.Require().NotNil(resp.Email)
		s.Nil(resp.Phone)
		s.True(resp.Current)
		s.Len(resp.Key, 128)
	})

	s.Run("validation error is 400", func() {
		s.auditor.EXPECT().For(gomock.Any()).Return(audit.Discard)
		s.service.EXPECT().WriteVersion(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeValidation, "one of email or phone must be supplied"))

		rec := s.do(http.MethodPost, "/person", map[string]any{"consents": []string{}})
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Contains(rec.Body.String(), "validation_error")
	})

	s.Run("malformed body is 400 without reaching the ledger", func() {
		req := httptest.NewRequest(http.MethodPost, "/person", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("conflict surfaces as 409", func() {
		s.auditor.EXPECT().For(gomock.Any()).Return(audit.Discard)
		s.service.EXPECT().WriteVersion(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeConflict, "retry later"))
		rec := s.do(http.MethodPost, "/person", map[string]any{"email": "foo@bar.com"})
		s.Equal(http.StatusConflict, rec.Code)
	})
}

func (s *LedgerHandlerSuite) TestGetPerson() {
	s.Run("returns the current version", func() {
		s.service.EXPECT().GetCurrent(gomock.Any(), identity.Contact{Email: "foo@bar.com"}).
			Return(sampleVersion(), true, nil)
		rec := s.do(http.MethodGet, "/person/foo@bar.com", nil)
		s.Equal(http.StatusOK, rec.Code)
	})

	s.Run("phone numbers are looked up by kind", func() {
		s.service.EXPECT().GetCurrent(gomock.Any(), identity.Contact{Phone: "+447700900123"}).
			Return(nil, false, nil)
		rec := s.do(http.MethodGet, "/person/%2B447700900123", nil)
		s.Equal(http.StatusNotFound, rec.Code)
	})
}

func (s *LedgerHandlerSuite) TestListPeople() {
	s.Run("passes filter and builds pagination links", func() {
		s.service.EXPECT().ListCurrent(gomock.Any(), models.Filter{Category: "email_marketing", Limit: 1, Offset: 1}).
			Return(&models.Page{Count: 3, Limit: 1, Offset: 1, Results: []*models.Version{sampleVersion()}}, nil)

		rec := s.do(http.MethodGet, "/person?consents__name=email_marketing&limit=1&offset=1", nil)
		s.Require().Equal(http.StatusOK, rec.Code)

		var resp PageResponse
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
		s.Equal(3, resp.Count)
		s.Require().NotNil(resp.Next)
		s.Contains(*resp.Next, "offset=2")
		s.Require().NotNil(resp.Previous)
		s.NotContains(*resp.Previous, "offset=")
		s.Len(resp.Results, 1)
	})

	s.Run("rejects a bad limit", func() {
		rec := s.do(http.MethodGet, "/person?limit=abc", nil)
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *LedgerHandlerSuite) TestBulkLookup() {
	s.service.EXPECT().BulkLookup(gomock.Any(), []identity.Contact{
		{Email: "a@example.com"},
		{Phone: "+447700900123"},
	}, models.Filter{}).Return(&models.Page{Count: 1, Limit: 100, Results: []*models.Version{sampleVersion()}}, nil)

	rec := s.do(http.MethodPost, "/person/bulk_lookup", BulkLookupRequest{
		Emails: []string{"a@example.com"},
		Phones: []string{"+447700900123"},
	})
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp PageResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Nil(resp.Next)
	s.Nil(resp.Previous)
}

func (s *LedgerHandlerSuite) TestHistoryAndCategories() {
	s.service.EXPECT().History(gomock.Any(), identity.Contact{Email: "foo@bar.com"}).
		Return([]*models.Version{sampleVersion()}, nil)
	rec := s.do(http.MethodGet, "/person/foo@bar.com/history", nil)
	s.Equal(http.StatusOK, rec.Code)

	s.service.EXPECT().Categories(gomock.Any()).
		Return([]models.Category{{ID: 1, Name: "email_marketing", Description: "email marketing"}}, nil)
	rec = s.do(http.MethodGet, "/consent", nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp CategoryListResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(1, resp.Count)
	s.Equal("email_marketing", resp.Results[0].Name)
}

func TestGuardAppliesCapabilityPerRoute(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	auditor := mocks.NewMockAuditor(ctrl)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Only "read" is granted.
	guard := func(capability string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if capability != CapabilityRead {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
			})
		}
	}
	r := chi.NewRouter()
	New(svc, auditor, logger, guard).Register(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/person", bytes.NewBufferString(`{"email":"a@b.com"}`)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for write without create capability, got %d", rec.Code)
	}

	svc.EXPECT().Categories(gomock.Any()).Return(nil, nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/consent", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for read with read capability, got %d", rec.Code)
	}
}

func (s *LedgerHandlerSuite) TestCreatePersonAttributesActor() {
	s.auditor.EXPECT().For(audit.Actor{
		ID:         "forms-api",
		RemoteAddr: "203.0.113.7",
		UserAgent:  "Chrome on macOS",
		RequestID:  "req-42",
	}).Return(audit.Discard)
	s.service.EXPECT().WriteVersion(gomock.Any(), gomock.Any(), audit.Discard).Return(sampleVersion(), nil)

	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/person", CreatePersonRequest{
		Email:    "foo@bar.com",
		Consents: []string{"email_marketing"},
	})
	req = testutil.WithPrincipal(req, "forms-api")
	req = testutil.WithClientMetadata(req, "203.0.113.7", "Chrome on macOS")
	req = testutil.WithRequestID(req, "req-42")

	rec := testutil.DoRequest(s.router, req)
	testutil.AssertStatus(s.T(), rec, http.StatusCreated)
	testutil.AssertJSONHasKey(s.T(), rec, "commit_id")
}

func (s *LedgerHandlerSuite) TestUnknownFieldsAreRejected() {
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/person", map[string]any{
		"email":    "foo@bar.com",
		"consents": []string{},
		"colour":   "blue",
	})
	rec := testutil.DoRequest(s.router, req)
	testutil.AssertStatusAndError(s.T(), rec, http.StatusBadRequest, "bad_request")
}
