package vault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestVault(t *testing.T, opts Options) *Vault {
	t.Helper()

	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "credentials.json")
	}
	if opts.MasterSecret == "" {
		opts.MasterSecret = "unit-test-master-secret"
	}

	v, err := Open(opts)
	if err != nil {
		t.Fatalf("Failed to open vault: %v", err)
	}
	return v
}

func TestUpdateAndGetRoundTrip(t *testing.T) {
	v := newTestVault(t, Options{})

	key := "abcd1234efgh5678"
	if err := v.UpdateCredential("finnhub", key, false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	t.Setenv("FINNHUB_API_KEY", "")
	got, ok := v.GetAPIKey("finnhub")
	if !ok {
		t.Fatal("Expected credential to be configured")
	}
	if got != key {
		t.Errorf("Expected key %q, got %q", key, got)
	}
}

func TestMasterSecretProvenance(t *testing.T) {
	v := newTestVault(t, Options{MasterSecret: "explicit-secret"})
	if v.MachineBound() {
		t.Error("Explicit master secret must not be machine bound")
	}

	t.Setenv(MasterSecretEnv, "")
	fallback := newTestVault(t, Options{Path: filepath.Join(t.TempDir(), "c.json"), MasterSecret: "\t "})
	if !fallback.MachineBound() {
		t.Error("Expected machine-fingerprint fallback without a configured secret")
	}
}

func TestEnvOverrideVar(t *testing.T) {
	name, ok := EnvOverrideVar("finnhub")
	if !ok || name != "FINNHUB_API_KEY" {
		t.Errorf("Unexpected override variable: %s (ok=%v)", name, ok)
	}
	if _, ok := EnvOverrideVar("bloomberg"); ok {
		t.Error("Unknown services must not have override variables")
	}
}

func TestRoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	v := newTestVault(t, Options{Path: path})
	if err := v.UpdateCredential("fmp", "fmp-secret-key-01", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	if !v.EncryptionEnabled() {
		t.Fatal("Expected encryption to be enabled")
	}

	// Ciphertext must be on disk, plaintext must not
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read vault file: %v", err)
	}
	if bytes.Contains(data, []byte("fmp-secret-key-01")) {
		t.Error("Plaintext key found in vault file")
	}
	if !bytes.Contains(data, []byte("api_key_encrypted")) {
		t.Error("Expected api_key_encrypted field in vault file")
	}

	reopened := newTestVault(t, Options{Path: path})
	got, ok := reopened.GetAPIKey("fmp")
	if !ok || got != "fmp-secret-key-01" {
		t.Errorf("Expected key to survive reopen, got %q (ok=%v)", got, ok)
	}
}

func TestCreatedAtStability(t *testing.T) {
	v := newTestVault(t, Options{})

	if err := v.UpdateCredential("tiingo", "tiingo-key-00001", false); err != nil {
		t.Fatalf("Failed to create credential: %v", err)
	}
	first := v.AllServicesStatus()["tiingo"]

	time.Sleep(10 * time.Millisecond)
	if err := v.UpdateCredential("tiingo", "tiingo-key-00002", false); err != nil {
		t.Fatalf("Failed to rotate credential: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := v.UpdateCredential("tiingo", "tiingo-key-00003", true); err != nil {
		t.Fatalf("Failed to rotate credential: %v", err)
	}

	st := v.AllServicesStatus()["tiingo"]
	if !st.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("Expected created_at to stay %v, got %v", first.CreatedAt, st.CreatedAt)
	}
	if !st.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("Expected updated_at to advance past %v, got %v", first.UpdatedAt, st.UpdatedAt)
	}
	if st.RotationCount != 2 {
		t.Errorf("Expected rotation_count 2, got %d", st.RotationCount)
	}
}

func TestUsageCountMonotonic(t *testing.T) {
	v := newTestVault(t, Options{})

	if err := v.UpdateCredential("databento", "db-key-12345678", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	const reads = 5
	for i := 0; i < reads; i++ {
		if _, ok := v.GetAPIKey("databento"); !ok {
			t.Fatal("Expected configured credential")
		}
	}

	st := v.AllServicesStatus()["databento"]
	if st.UsageCount != reads {
		t.Errorf("Expected usage_count %d, got %d", reads, st.UsageCount)
	}
	if st.LastUsed.IsZero() {
		t.Error("Expected last_used to be set")
	}
}

func TestUsageCountersFlushAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	v := newTestVault(t, Options{Path: path, UsageFlushInterval: 2})
	if err := v.UpdateCredential("newsapi", "news-key-1234567", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	v.GetAPIKey("newsapi")
	v.GetAPIKey("newsapi") // hits the flush interval

	reopened := newTestVault(t, Options{Path: path})
	st := reopened.AllServicesStatus()["newsapi"]
	if st.UsageCount != 2 {
		t.Errorf("Expected flushed usage_count 2 after reopen, got %d", st.UsageCount)
	}
}

func TestCloseFlushesCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	v := newTestVault(t, Options{Path: path, UsageFlushInterval: 100})
	if err := v.UpdateCredential("fmp", "fmp-key-abcdefgh", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	v.GetAPIKey("fmp")
	v.GetAPIKey("fmp")
	v.GetAPIKey("fmp")
	if err := v.Close(); err != nil {
		t.Fatalf("Failed to close vault: %v", err)
	}

	reopened := newTestVault(t, Options{Path: path})
	st := reopened.AllServicesStatus()["fmp"]
	if st.UsageCount != 3 {
		t.Errorf("Expected usage_count 3 after close and reopen, got %d", st.UsageCount)
	}
}

func TestValidationRejection(t *testing.T) {
	v := newTestVault(t, Options{})

	if err := v.UpdateCredential("finnhub", "good-key-1234567", false); err != nil {
		t.Fatalf("Failed to seed credential: %v", err)
	}
	before := v.AllServicesStatus()["finnhub"]

	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"too short", "short"},
		{"unsafe characters", "bad<key>12345678"},
		{"shell metacharacters", "key;rm -rf /tmp12"},
	}

	for _, tc := range cases {
		if err := v.UpdateCredential("finnhub", tc.key, false); err == nil {
			t.Errorf("Expected %s key to be rejected", tc.name)
		}
	}

	after := v.AllServicesStatus()["finnhub"]
	if after.RotationCount != before.RotationCount {
		t.Error("Rejected updates must not advance rotation_count")
	}
	if got, _ := v.GetAPIKey("finnhub"); got != "good-key-1234567" {
		t.Errorf("Rejected updates must not alter the stored key, got %q", got)
	}
}

func TestRemoveCredentialIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	v := newTestVault(t, Options{Path: path})

	if err := v.UpdateCredential("tiingo", "tiingo-key-123456", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	if err := v.RemoveCredential("tiingo"); err != nil {
		t.Fatalf("Failed to remove credential: %v", err)
	}
	if _, ok := v.GetAPIKey("tiingo"); ok {
		t.Error("Expected credential to be gone after removal")
	}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read vault file: %v", err)
	}

	// Removing again must succeed and leave the file untouched
	if err := v.RemoveCredential("tiingo"); err != nil {
		t.Errorf("Expected idempotent removal to succeed, got %v", err)
	}
	if err := v.RemoveCredential("never-existed"); err != nil {
		t.Errorf("Expected removal of unknown service to succeed, got %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read vault file: %v", err)
	}
	if string(before) != string(after) {
		t.Error("Removal of absent service must not rewrite the vault file")
	}
}

func TestBackupRetentionBound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	v := newTestVault(t, Options{Path: path, MaxBackups: 5})

	for i := 0; i < 8; i++ {
		key := "rotating-key-000" + string(rune('a'+i))
		if err := v.UpdateCredential("finnhub", key, false); err != nil {
			t.Fatalf("Update %d failed: %v", i, err)
		}
	}

	backups, err := newFileStore(path, 5).Backups()
	if err != nil {
		t.Fatalf("Failed to list backups: %v", err)
	}
	if len(backups) > 5 {
		t.Errorf("Expected at most 5 backups, got %d", len(backups))
	}
}

func TestEnvOverridePrecedence(t *testing.T) {
	v := newTestVault(t, Options{})

	if err := v.UpdateCredential("twelvedata", "stored-key-123456", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	t.Setenv("TWELVEDATA_API_KEY", "env-override-key-99")

	got, ok := v.GetAPIKey("twelvedata")
	if !ok || got != "env-override-key-99" {
		t.Errorf("Expected env override to win, got %q (ok=%v)", got, ok)
	}

	// Env reads are not tracked
	st := v.AllServicesStatus()["twelvedata"]
	if st.UsageCount != 0 {
		t.Errorf("Env override reads must not be tracked, usage_count=%d", st.UsageCount)
	}
	if st.Source != "env" {
		t.Errorf("Expected source env, got %q", st.Source)
	}
	if !v.IsServiceEnabled("twelvedata") {
		t.Error("Env-configured service must report enabled")
	}

	// The override applies even without any stored record
	t.Setenv("NEWSAPI_API_KEY", "env-only-key-1234")
	if got, ok := v.GetAPIKey("newsapi"); !ok || got != "env-only-key-1234" {
		t.Errorf("Expected env-only key, got %q (ok=%v)", got, ok)
	}
	if !v.AllServicesStatus()["newsapi"].Configured {
		t.Error("Env-only service must report configured")
	}
}

func TestStatusScenario(t *testing.T) {
	v := newTestVault(t, Options{})
	t.Setenv("FINNHUB_API_KEY", "")

	if err := v.UpdateCredential("finnhub", "abcd1234efgh5678", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}
	if got, ok := v.GetAPIKey("finnhub"); !ok || got != "abcd1234efgh5678" {
		t.Fatalf("Expected round-trip, got %q (ok=%v)", got, ok)
	}

	st := v.AllServicesStatus()["finnhub"]
	if !st.Configured {
		t.Error("Expected finnhub to be configured")
	}
	if st.APIKeyMasked != "***5678" {
		t.Errorf("Expected masked preview ***5678, got %q", st.APIKeyMasked)
	}
	if !st.EncryptionEnabled {
		t.Error("Expected status to report encryption at rest")
	}
}

func TestStatusCoversKnownServicesAndMasksKeys(t *testing.T) {
	v := newTestVault(t, Options{})

	key := "super-secret-key-123"
	if err := v.UpdateCredential("fmp", key, false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	statuses := v.AllServicesStatus()
	for _, service := range KnownServices {
		if _, ok := statuses[service]; !ok {
			t.Errorf("Expected status to cover %s", service)
		}
	}

	st := statuses["fmp"]
	if st.APIKeyMasked != "***-123" {
		t.Errorf("Expected masked preview ***-123, got %q", st.APIKeyMasked)
	}
	if len(st.APIKeyMasked) > 7 {
		t.Errorf("Masked preview leaks more than 4 characters: %q", st.APIKeyMasked)
	}
}

func TestExportConfigCarriesNoKeyMaterial(t *testing.T) {
	v := newTestVault(t, Options{})

	key := "super-secret-key-456"
	if err := v.UpdateCredential("tiingo", key, false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	export := v.ExportConfig()
	entry, ok := export["tiingo"]
	if !ok {
		t.Fatal("Expected tiingo in export")
	}
	if !entry.Configured {
		t.Error("Expected tiingo to export as configured")
	}
	if entry.UsageCount != 0 || entry.RotationCount != 0 {
		t.Errorf("Unexpected counters in export: %+v", entry)
	}
}

func TestSecurityAuditReportMatchesStatusScores(t *testing.T) {
	v := newTestVault(t, Options{})

	if err := v.UpdateCredential("finnhub", "finnhub-key-12345", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}
	if err := v.UpdateCredential("fmp", "fmp-key-123456789", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	// Make fmp overdue
	v.mu.Lock()
	v.records["fmp"].UpdatedAt = time.Now().Add(-120 * 24 * time.Hour)
	v.mu.Unlock()

	report := v.SecurityAuditReport()
	if report.TotalServices != 2 {
		t.Errorf("Expected 2 stored services, got %d", report.TotalServices)
	}
	if !report.EncryptionEnabled {
		t.Error("Expected encryption enabled in report")
	}

	statuses := v.AllServicesStatus()
	total := report.HighRiskCount + report.MediumRiskCount + report.LowRiskCount
	if total != 2 {
		t.Errorf("Expected buckets to cover 2 services, got %d", total)
	}

	for _, service := range []string{"finnhub", "fmp"} {
		score := statuses[service].SecurityScore
		bucket := riskBucket(score)
		found := false
		for _, s := range bucketFor(report, bucket) {
			if s == service {
				found = true
			}
		}
		if !found {
			t.Errorf("Service %s (score %d) missing from %s bucket", service, score, bucket)
		}
	}
}

func bucketFor(report AuditReport, bucket string) []string {
	switch bucket {
	case "high":
		return report.HighRisk
	case "medium":
		return report.MediumRisk
	default:
		return report.LowRisk
	}
}

func TestRotationSweep(t *testing.T) {
	v := newTestVault(t, Options{})

	if err := v.UpdateCredential("finnhub", "fresh-key-1234567", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}
	if err := v.UpdateCredential("databento", "old-key-123456789", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	v.mu.Lock()
	v.records["databento"].UpdatedAt = time.Now().Add(-100 * 24 * time.Hour)
	v.mu.Unlock()

	overdue := v.RotationSweep()
	if len(overdue) != 1 || overdue[0] != "databento" {
		t.Errorf("Expected [databento] overdue, got %v", overdue)
	}
}

func TestRotationAuditTrail(t *testing.T) {
	v := newTestVault(t, Options{})

	if err := v.UpdateCredential("finnhub", "key-number-one-01", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}
	if err := v.UpdateCredential("finnhub", "key-number-two-02", true); err != nil {
		t.Fatalf("Failed to rotate credential: %v", err)
	}

	events, err := v.RotationEvents()
	if err != nil {
		t.Fatalf("Failed to read rotation trail: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 rotation events, got %d", len(events))
	}

	if events[0].Type != "normal" || events[0].RotationCount != 0 {
		t.Errorf("Unexpected first event: %+v", events[0])
	}
	if events[1].Type != "forced" || events[1].RotationCount != 1 {
		t.Errorf("Unexpected second event: %+v", events[1])
	}
	for _, ev := range events {
		if ev.Service != "finnhub" {
			t.Errorf("Unexpected service in event: %+v", ev)
		}
		if ev.ID == "" {
			t.Error("Expected event id to be set")
		}
	}
}

func TestObserverNotifiedOnChange(t *testing.T) {
	v := newTestVault(t, Options{})

	var notified []string
	v.OnCredentialChange(func(service string) {
		notified = append(notified, service)
	})

	if err := v.UpdateCredential("finnhub", "observer-key-1234", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}
	if err := v.RemoveCredential("finnhub"); err != nil {
		t.Fatalf("Failed to remove credential: %v", err)
	}

	if len(notified) != 2 || notified[0] != "finnhub" || notified[1] != "finnhub" {
		t.Errorf("Expected two notifications for finnhub, got %v", notified)
	}
}

func TestDecryptFailureSurfacesAsUnconfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	v := newTestVault(t, Options{Path: path, MasterSecret: "secret-one"})
	if err := v.UpdateCredential("finnhub", "undecryptable-key1", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	// A different master secret cannot decrypt the stored ciphertext
	other := newTestVault(t, Options{Path: path, MasterSecret: "secret-two"})

	t.Setenv("FINNHUB_API_KEY", "")
	if _, ok := other.GetAPIKey("finnhub"); ok {
		t.Error("Expected undecryptable credential to read as unconfigured")
	}

	st := other.AllServicesStatus()["finnhub"]
	if st.Configured {
		t.Error("Expected undecryptable credential to report unconfigured")
	}
	if st.CreatedAt.IsZero() {
		t.Error("Expected record metadata to survive decrypt failure")
	}
}

func TestUndecryptableCiphertextSurvivesRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	t.Setenv("FMP_API_KEY", "")
	t.Setenv("FINNHUB_API_KEY", "")

	v := newTestVault(t, Options{Path: path, MasterSecret: "secret-one"})
	if err := v.UpdateCredential("fmp", "fmp-secret-key-001", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	store := newFileStore(path, 5)
	before, err := store.Load()
	if err != nil {
		t.Fatalf("Failed to read vault file: %v", err)
	}
	original := before["fmp"].APIKeyEncrypted
	if original == "" {
		t.Fatal("Expected fmp to be stored encrypted")
	}

	// Under the wrong master secret fmp is unreadable. Unrelated writes,
	// including a throttled counter flush, must not erase its ciphertext.
	other := newTestVault(t, Options{Path: path, MasterSecret: "secret-two", UsageFlushInterval: 1})
	if err := other.UpdateCredential("finnhub", "finnhub-secret-key1", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}
	if _, ok := other.GetAPIKey("finnhub"); !ok {
		t.Fatal("Expected finnhub read to succeed")
	}

	after, err := store.Load()
	if err != nil {
		t.Fatalf("Failed to read vault file: %v", err)
	}
	if after["fmp"].APIKeyEncrypted != original {
		t.Fatal("Expected undecryptable fmp ciphertext to survive rewrites unchanged")
	}

	// Restoring the original secret brings the credential back
	restored := newTestVault(t, Options{Path: path, MasterSecret: "secret-one"})
	if got, ok := restored.GetAPIKey("fmp"); !ok || got != "fmp-secret-key-001" {
		t.Errorf("Expected fmp to be readable again, got %q (ok=%v)", got, ok)
	}
}

func TestCleartextDegradationWhenEncryptionUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	t.Setenv("TIINGO_API_KEY", "")

	// A directory squatting on the salt path makes codec setup fail, which
	// must degrade persistence to cleartext instead of refusing to start.
	if err := os.MkdirAll(path+".salt", 0o700); err != nil {
		t.Fatalf("Failed to create salt obstruction: %v", err)
	}

	v := newTestVault(t, Options{Path: path})
	if v.EncryptionEnabled() {
		t.Fatal("Expected encryption to be unavailable")
	}

	if err := v.UpdateCredential("tiingo", "tiingo-cleartext-key1", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read vault file: %v", err)
	}
	if !bytes.Contains(data, []byte("tiingo-cleartext-key1")) {
		t.Error("Expected cleartext persistence in degraded mode")
	}
	if bytes.Contains(data, []byte("api_key_encrypted")) {
		t.Error("Degraded mode must not emit ciphertext fields")
	}

	if st := v.AllServicesStatus()["tiingo"]; st.EncryptionEnabled {
		t.Error("Expected status to flag the cleartext degradation")
	}
	if entry := v.ExportConfig()["tiingo"]; entry.EncryptionEnabled {
		t.Error("Expected export to flag the cleartext degradation")
	}
	if report := v.SecurityAuditReport(); report.EncryptionEnabled {
		t.Error("Expected audit report to flag the cleartext degradation")
	}

	// A fresh instance reads the cleartext record back
	again := newTestVault(t, Options{Path: path})
	if got, ok := again.GetAPIKey("tiingo"); !ok || got != "tiingo-cleartext-key1" {
		t.Errorf("Expected cleartext round-trip, got %q (ok=%v)", got, ok)
	}
}

func TestTestConnectionOutcomes(t *testing.T) {
	v := newTestVault(t, Options{})

	// Not configured short-circuits without touching the tester
	called := false
	v.SetTester(testerFunc(func(ctx context.Context, service, key string) error {
		called = true
		return nil
	}))

	res := v.TestConnection(context.Background(), "finnhub")
	if res.Success || res.Message != "api key not configured" {
		t.Errorf("Expected not-configured result, got %+v", res)
	}
	if called {
		t.Error("Tester must not run without a configured key")
	}

	if err := v.UpdateCredential("finnhub", "conn-test-key-123", false); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	res = v.TestConnection(context.Background(), "finnhub")
	if !res.Success {
		t.Errorf("Expected success, got %+v", res)
	}

	v.SetTester(testerFunc(func(ctx context.Context, service, key string) error {
		return errors.New("rate limited")
	}))
	res = v.TestConnection(context.Background(), "finnhub")
	if res.Success || res.Message != "rate limited" {
		t.Errorf("Expected failure result, got %+v", res)
	}

	// A panicking collaborator becomes a failure result, not a crash
	v.SetTester(testerFunc(func(ctx context.Context, service, key string) error {
		panic("collaborator bug")
	}))
	res = v.TestConnection(context.Background(), "finnhub")
	if res.Success {
		t.Errorf("Expected panic to surface as failure, got %+v", res)
	}
}

type testerFunc func(ctx context.Context, service, apiKey string) error

func (f testerFunc) Test(ctx context.Context, service, apiKey string) error {
	return f(ctx, service, apiKey)
}

