package nullifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codalabs/x402-facilitator/internal/model"
)

// Disclosure requirements applied to one verification. A value object
// fetched once (from the vendor's discovery document or defaults) and
// passed explicitly, never rebuilt from ambient state.
type DisclosurePolicy struct {
	MinimumAge        int      `json:"minimumAge"`
	ExcludedCountries []string `json:"excludedCountries"`
	Ofac              bool     `json:"ofac"`
}

func DefaultPolicy() DisclosurePolicy {
	return DisclosurePolicy{MinimumAge: 18}
}

// Input for one proof verification call.
type ProofInput struct {
	AttestationId   int             `json:"attestationId"`
	Proof           json.RawMessage `json:"proof"`
	PublicSignals   json.RawMessage `json:"publicSignals"`
	UserContextData string          `json:"userContextData"`
}

// What the external proof service discloses. The proof system itself
// is out of scope; this is its opaque result.
type ProofResult struct {
	Valid           bool           `json:"valid"`
	MinimumAgeValid bool           `json:"minimumAgeValid"`
	OfacValid       bool           `json:"ofacValid"`
	Nullifier       string         `json:"nullifier"`
	UserId          string         `json:"userId"`
	Nationality     string         `json:"nationality"`
	Disclosed       map[string]any `json:"disclosed"`
}

// ProofVerifier is the remote zero-knowledge proof service. Possibly
// slow, possibly failing.
type ProofVerifier interface {
	Verify(ctx context.Context, scope, endpoint string, policy DisclosurePolicy, input ProofInput) (ProofResult, error)
}

// HttpProofVerifier calls the proof service over HTTP.
type HttpProofVerifier struct {
	BaseUrl string
	Client  *http.Client
}

func NewHttpProofVerifier(baseUrl string) *HttpProofVerifier {
	return &HttpProofVerifier{
		BaseUrl: baseUrl,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HttpProofVerifier) Verify(
	ctx context.Context,
	scope, endpoint string,
	policy DisclosurePolicy,
	input ProofInput,
) (ProofResult, error) {
	payload, err := json.Marshal(map[string]any{
		"scope":    scope,
		"endpoint": endpoint,
		"policy":   policy,
		"proof":    input,
	})
	if err != nil {
		return ProofResult{}, err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, h.BaseUrl, bytes.NewReader(payload))
	if err != nil {
		return ProofResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return ProofResult{}, fmt.Errorf("proof service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ProofResult{}, fmt.Errorf("proof service: status %d", resp.StatusCode)
	}
	var result ProofResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ProofResult{}, fmt.Errorf("proof service: decode: %w", err)
	}
	return result, nil
}

// One verifier handle per application scope.
type ScopeVerifier struct {
	Scope    string
	Endpoint string
}

// ScopeRegistry is constructed once at startup from the known scopes.
// No first-use creation, so concurrent lookups never race on growth.
type ScopeRegistry struct {
	mutex  sync.RWMutex
	scopes map[string]ScopeVerifier
}

func NewScopeRegistry(verifiers ...ScopeVerifier) *ScopeRegistry {
	scopes := make(map[string]ScopeVerifier, len(verifiers))
	for _, verifier := range verifiers {
		scopes[verifier.Scope] = verifier
	}
	return &ScopeRegistry{scopes: scopes}
}

func (r *ScopeRegistry) Resolve(scope string) (ScopeVerifier, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	verifier, ok := r.scopes[scope]
	return verifier, ok
}

// Outcome of one identity verification.
type VerifyResult struct {
	Valid     bool           `json:"valid"`
	Tier      string         `json:"tier"`
	Nullifier string         `json:"nullifier,omitempty"`
	Persisted bool           `json:"persisted"`
	Error     string         `json:"error,omitempty"`
	Disclosed map[string]any `json:"disclosedData,omitempty"`
}

// Service consumes proof-verification results and turns them into
// durable nullifier state.
type Service struct {
	Proofs         ProofVerifier
	Scopes         *ScopeRegistry
	Registry       *Repository
	StoreAvailable bool
}

// Verify runs the full identity gate: remote proof check, disclosure
// policy, then the check-then-store nullifier sequence. The store's
// unique constraint resolves concurrent races on the same nullifier.
func (s *Service) Verify(
	ctx context.Context,
	scope string,
	policy DisclosurePolicy,
	input ProofInput,
) VerifyResult {
	verifier, ok := s.Scopes.Resolve(scope)
	if !ok {
		return VerifyResult{
			Valid: false,
			Tier:  model.TierUnverified,
			Error: fmt.Sprintf("unknown scope %q", scope),
		}
	}
	result, err := s.Proofs.Verify(ctx, verifier.Scope, verifier.Endpoint, policy, input)
	if err != nil {
		return VerifyResult{
			Valid: false,
			Tier:  model.TierUnverified,
			Error: err.Error(),
		}
	}
	if !result.Valid {
		return VerifyResult{
			Valid: false,
			Tier:  model.TierUnverified,
			Error: "invalid cryptographic proof",
		}
	}
	if !result.MinimumAgeValid {
		return VerifyResult{
			Valid: false,
			Tier:  model.TierUnverified,
			Error: fmt.Sprintf("age verification failed (minimum: %d)", policy.MinimumAge),
		}
	}
	if policy.Ofac && !result.OfacValid {
		return VerifyResult{
			Valid: false,
			Tier:  model.TierUnverified,
			Error: "OFAC sanctions check failed",
		}
	}
	for _, country := range policy.ExcludedCountries {
		if country == result.Nationality {
			return VerifyResult{
				Valid: false,
				Tier:  model.TierUnverified,
				Error: fmt.Sprintf("country excluded: %s", result.Nationality),
			}
		}
	}
	if result.Nullifier == "" {
		return VerifyResult{
			Valid: false,
			Tier:  model.TierUnverified,
			Error: "nullifier missing from verification result",
		}
	}

	if !s.StoreAvailable {
		// Durable uniqueness cannot be enforced. Degrade explicitly
		// instead of pretending the check happened.
		slog.Warn("nullifier store unavailable, uniqueness not enforced",
			"scope", scope)
		return VerifyResult{
			Valid:     true,
			Tier:      model.TierVerifiedHuman,
			Nullifier: result.Nullifier,
			Persisted: false,
			Disclosed: result.Disclosed,
		}
	}

	exists, err := s.Registry.Exists(ctx, result.Nullifier, scope)
	if err != nil {
		return VerifyResult{
			Valid: false,
			Tier:  model.TierUnverified,
			Error: fmt.Sprintf("nullifier check failed: %v", err),
		}
	}
	if exists {
		return VerifyResult{
			Valid: false,
			Tier:  model.TierUnverified,
			Error: model.ReasonDuplicateNullifier,
		}
	}
	metadata, err := json.Marshal(result.Disclosed)
	if err != nil {
		metadata = []byte("{}")
	}
	err = s.Registry.Store(ctx, &model.NullifierRecord{
		Nullifier:   result.Nullifier,
		Scope:       scope,
		UserId:      result.UserId,
		Nationality: result.Nationality,
		Metadata:    string(metadata),
	})
	if err != nil {
		// A concurrent verification may have won the race; the unique
		// constraint makes that loss explicit.
		return VerifyResult{
			Valid: false,
			Tier:  model.TierUnverified,
			Error: err.Error(),
		}
	}
	return VerifyResult{
		Valid:     true,
		Tier:      model.TierVerifiedHuman,
		Nullifier: result.Nullifier,
		Persisted: true,
		Disclosed: result.Disclosed,
	}
}

// FetchVendorPolicy fetches a vendor's disclosure requirements from
// its discovery document, falling back to the default policy.
func FetchVendorPolicy(ctx context.Context, client *http.Client, vendorUrl string) DisclosurePolicy {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, vendorUrl+"/.well-known/x402", nil)
	if err != nil {
		return DefaultPolicy()
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("failed to fetch vendor disclosures, using defaults",
			"vendorUrl", vendorUrl, "err", err)
		return DefaultPolicy()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DefaultPolicy()
	}
	var discovery struct {
		Verification struct {
			Requirements *DisclosurePolicy `json:"requirements"`
		} `json:"verification"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&discovery); err != nil {
		return DefaultPolicy()
	}
	if discovery.Verification.Requirements == nil {
		return DefaultPolicy()
	}
	return *discovery.Verification.Requirements
}
