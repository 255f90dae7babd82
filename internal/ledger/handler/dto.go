package handler

import (
	"net/url"
	"strconv"
	"time"

	"consentledger/internal/ledger/models"
)

// CreatePersonRequest is the body of POST /person. Exactly one of Email or
// Phone must be set.
type CreatePersonRequest struct {
	Email      string     `json:"email,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Consents   []string   `json:"consents"`
	Revoked    []string   `json:"revoked,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

// BulkLookupRequest is the body of POST /person/bulk_lookup.
type BulkLookupRequest struct {
	Emails []string `json:"emails"`
	Phones []string `json:"phones,omitempty"`
}

type VersionResponse struct {
	ID         int64     `json:"id"`
	Key        string    `json:"key"`
	KeyType    string    `json:"key_type"`
	Email      *string   `json:"email"`
	Phone      *string   `json:"phone"`
	Consents   []string  `json:"consents"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	Current    bool      `json:"current"`
	CommitID   string    `json:"commit_id"`
}

func toVersionResponse(v *models.Version) VersionResponse {
	resp := VersionResponse{
		ID:         v.ID,
		Key:        v.Key.String(),
		KeyType:    string(v.Kind),
		Consents:   v.Consents,
		CreatedAt:  v.CreatedAt,
		ModifiedAt: v.LogicalTime,
		Current:    v.Current,
		CommitID:   v.CommitID.String(),
	}
	if resp.Consents == nil {
		resp.Consents = []string{}
	}
	if v.Email != "" {
		email := v.Email
		resp.Email = &email
	}
	if v.Phone != "" {
		phone := v.Phone
		resp.Phone = &phone
	}
	return resp
}

func toVersionResponses(versions []*models.Version) []VersionResponse {
	out := make([]VersionResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, toVersionResponse(v))
	}
	return out
}

// PageResponse mirrors limit/offset pagination: next and previous are
// absolute links or null.
type PageResponse struct {
	Count    int               `json:"count"`
	Next     *string           `json:"next"`
	Previous *string           `json:"previous"`
	Results  []VersionResponse `json:"results"`
}

func toPageResponse(page *models.Page, base *url.URL) PageResponse {
	resp := PageResponse{
		Count:   page.Count,
		Results: toVersionResponses(page.Results),
	}
	if page.Offset+page.Limit < page.Count {
		next := pageLink(base, page.Limit, page.Offset+page.Limit)
		resp.Next = &next
	}
	if page.Offset > 0 {
		prev := pageLink(base, page.Limit, max(page.Offset-page.Limit, 0))
		resp.Previous = &prev
	}
	return resp
}

func pageLink(base *url.URL, limit, offset int) string {
	u := *base
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	} else {
		q.Del("offset")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type CategoryResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type CategoryListResponse struct {
	Count   int                `json:"count"`
	Results []CategoryResponse `json:"results"`
}
