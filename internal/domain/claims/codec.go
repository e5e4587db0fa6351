package claims

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format identifies a wire encoding for the payer channel.
type Format string

const (
	// FormatJSON is the structured channel encoding.
	FormatJSON Format = "json"
	// FormatFlat is the legacy file-drop encoding used when the structured
	// channel is degraded. Single record per line, pipe-delimited.
	FormatFlat Format = "flat"
)

// flatRecordTag versions the flat layout so the payer can reject records
// it does not understand instead of misparsing them.
const flatRecordTag = "CLM01"

// flatDateLayout is the service-date format in the flat encoding.
const flatDateLayout = "20060102"

// ClaimPayload is the frozen wire view of a claim. Both formats carry
// exactly these fields; decoding either format reproduces the struct
// byte-for-byte field-equal.
type ClaimPayload struct {
	ClaimNumber    string    `json:"claim_number"`
	TenantID       string    `json:"tenant_id"`
	SubjectID      string    `json:"subject_id"`
	ProviderNumber string    `json:"provider_number"`
	CategoryCode   string    `json:"category_code"`
	ServiceDate    time.Time `json:"service_date"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	EvidenceRefs   []string  `json:"evidence_refs,omitempty"`
}

// PayloadFromClaim snapshots the wire fields of a claim. The service date
// is truncated to the day; neither encoding carries sub-day precision.
func PayloadFromClaim(c *Claim) *ClaimPayload {
	return &ClaimPayload{
		ClaimNumber:    c.ClaimNumber,
		TenantID:       c.TenantID,
		SubjectID:      c.SubjectID,
		ProviderNumber: c.ProviderNumber,
		CategoryCode:   c.CategoryCode,
		ServiceDate:    c.ServiceDate.UTC().Truncate(24 * time.Hour),
		AmountCents:    c.AmountCents,
		Currency:       c.Currency,
		EvidenceRefs:   c.EvidenceRefs,
	}
}

// Encode renders the payload in the requested format.
func Encode(p *ClaimPayload, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(p)
	case FormatFlat:
		return encodeFlat(p)
	default:
		return nil, fmt.Errorf("unknown payload format %q", f)
	}
}

// Decode parses bytes produced by Encode in the same format.
func Decode(data []byte, f Format) (*ClaimPayload, error) {
	switch f {
	case FormatJSON:
		var p ClaimPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode json payload: %w", err)
		}
		p.ServiceDate = p.ServiceDate.UTC()
		return &p, nil
	case FormatFlat:
		return decodeFlat(data)
	default:
		return nil, fmt.Errorf("unknown payload format %q", f)
	}
}

// Flat layout, 10 fields:
//
//	CLM01|tenant|claim_number|subject|provider|category|yyyymmdd|amount_cents|currency|ref1;ref2
//
// Field values may not contain the separators. Evidence refs are
// semicolon-joined; an empty field means no refs.
const flatFieldCount = 10

func encodeFlat(p *ClaimPayload) ([]byte, error) {
	fields := []string{
		flatRecordTag,
		p.TenantID,
		p.ClaimNumber,
		p.SubjectID,
		p.ProviderNumber,
		p.CategoryCode,
		p.ServiceDate.UTC().Format(flatDateLayout),
		strconv.FormatInt(p.AmountCents, 10),
		p.Currency,
		strings.Join(p.EvidenceRefs, ";"),
	}
	for i, f := range fields {
		if strings.ContainsAny(f, "|\n") {
			return nil, fmt.Errorf("flat encoding: field %d contains a reserved separator", i)
		}
	}
	for _, ref := range p.EvidenceRefs {
		if strings.Contains(ref, ";") {
			return nil, fmt.Errorf("flat encoding: evidence ref %q contains a reserved separator", ref)
		}
	}
	return []byte(strings.Join(fields, "|") + "\n"), nil
}

func decodeFlat(data []byte) (*ClaimPayload, error) {
	line := strings.TrimSuffix(string(data), "\n")
	fields := strings.Split(line, "|")
	if len(fields) != flatFieldCount {
		return nil, fmt.Errorf("flat decoding: expected %d fields, got %d", flatFieldCount, len(fields))
	}
	if fields[0] != flatRecordTag {
		return nil, fmt.Errorf("flat decoding: unknown record tag %q", fields[0])
	}

	serviceDate, err := time.ParseInLocation(flatDateLayout, fields[6], time.UTC)
	if err != nil {
		return nil, fmt.Errorf("flat decoding: bad service date %q: %w", fields[6], err)
	}
	amount, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("flat decoding: bad amount %q: %w", fields[7], err)
	}

	var refs []string
	if fields[9] != "" {
		refs = strings.Split(fields[9], ";")
	}

	return &ClaimPayload{
		TenantID:       fields[1],
		ClaimNumber:    fields[2],
		SubjectID:      fields[3],
		ProviderNumber: fields[4],
		CategoryCode:   fields[5],
		ServiceDate:    serviceDate,
		AmountCents:    amount,
		Currency:       fields[8],
		EvidenceRefs:   refs,
	}, nil
}
