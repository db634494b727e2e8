// Package vault implements the encrypted credential store for market-data
// provider API keys: durable storage with rotation accounting, usage
// tracking, backup retention and security scoring.
package vault

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "qvault/internal/errors"
	"qvault/internal/logging"
)

// ConnectionTester verifies a credential against its live service. The vault
// never holds its write lock while a tester is running.
type ConnectionTester interface {
	Test(ctx context.Context, service, apiKey string) error
}

// Options configures a Vault.
type Options struct {
	// Path is the vault file location. The PBKDF2 salt lives at
	// <Path>.salt, backups at <Path>.backup.<unix_timestamp>.
	Path string
	// MasterSecret overrides the QVAULT_MASTER_SECRET environment variable
	// and the machine-fingerprint fallback.
	MasterSecret string
	// AuditLogPath is the rotation audit trail. Defaults to <Path>.audit.log.
	AuditLogPath string
	// Policy controls rotation due-ness and scoring. Zero fields take
	// defaults.
	Policy RotationPolicy
	// UsageFlushInterval is how many tracked reads may accumulate before
	// counters are persisted. Defaults to 100.
	UsageFlushInterval int
	// MaxBackups is the backup retention limit. Defaults to 5.
	MaxBackups int
	// Tester performs connection tests. Optional.
	Tester ConnectionTester
	// Logger defaults to a no-op logger.
	Logger *logging.Logger
}

const minKeyLength = 8

// unsafeKeyChars would be dangerous if a key were later interpolated into a
// header or shell context.
const unsafeKeyChars = "<>\"'&;|`"

// Vault is the encrypted, disk-persisted store for named service
// credentials. All mutations are serialized; the vault file is the durable
// source of truth and is replaced atomically on every write.
type Vault struct {
	store      *fileStore
	codec      *codec // nil means encryption degraded to cleartext
	audit      *auditTrail
	policy     RotationPolicy
	flushEvery int
	tester     ConnectionTester
	log        *logging.Logger

	machineBound bool

	mu        sync.Mutex
	records   map[string]*Record
	loaded    bool
	unflushed int
	observers []func(service string)
}

// Open prepares a vault rooted at opts.Path. The vault file itself is loaded
// lazily on first access. If the encryption codec cannot be prepared the
// vault degrades to cleartext persistence and flags the degradation in every
// status report instead of refusing to start.
func Open(opts Options) (*Vault, error) {
	if opts.Path == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "vault path must not be empty")
	}

	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	log = log.WithField("component", "vault")

	auditPath := opts.AuditLogPath
	if auditPath == "" {
		auditPath = opts.Path + ".audit.log"
	}

	flushEvery := opts.UsageFlushInterval
	if flushEvery < 1 {
		flushEvery = 100
	}

	secret, machineBound := resolveMasterSecret(opts.MasterSecret)

	v := &Vault{
		store:        newFileStore(opts.Path, opts.MaxBackups),
		audit:        newAuditTrail(auditPath),
		policy:       opts.Policy.normalized(),
		flushEvery:   flushEvery,
		tester:       opts.Tester,
		log:          log,
		machineBound: machineBound,
		records:      make(map[string]*Record),
	}

	c, err := newCodec(secret, opts.Path+".salt")
	if err != nil {
		log.WithError(err).Warn("encryption unavailable, credentials will be stored in cleartext")
	} else {
		v.codec = c
	}

	if machineBound && v.codec != nil {
		log.Warn("master secret derived from machine fingerprint; vault is not portable across machines")
	}

	return v, nil
}

// EncryptionEnabled reports whether credentials are encrypted at rest.
func (v *Vault) EncryptionEnabled() bool {
	return v.codec != nil
}

// MachineBound reports whether the master secret came from the machine
// fingerprint fallback rather than explicit configuration.
func (v *Vault) MachineBound() bool {
	return v.machineBound
}

// SetTester installs the connection tester after construction, for wiring
// orders where the tester needs the vault first.
func (v *Vault) SetTester(t ConnectionTester) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tester = t
}

// OnCredentialChange registers an observer invoked with the service id after
// every successful credential write or removal. Observers run outside the
// vault lock.
func (v *Vault) OnCredentialChange(fn func(service string)) {
	if fn == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observers = append(v.observers, fn)
}

// UpdateCredential creates or replaces the credential for a service. On
// update the record keeps its creation time and usage counter while the
// rotation counter advances; every write lands in the rotation audit trail.
// The prior on-disk state survives any persistence failure.
func (v *Vault) UpdateCredential(service, apiKey string, forceRotation bool) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "service id must not be empty")
	}

	key, err := validateAPIKey(apiKey)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if err := v.ensureLoadedLocked(); err != nil {
		v.mu.Unlock()
		return err
	}

	now := time.Now()
	prev := v.records[service]

	rec := &Record{
		Service:   service,
		APIKey:    key,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev != nil {
		rec.CreatedAt = prev.CreatedAt
		rec.Enabled = prev.Enabled
		rec.LastUsed = prev.LastUsed
		rec.UsageCount = prev.UsageCount
		rec.RotationCount = prev.RotationCount + 1
	}

	v.records[service] = rec
	if err := v.persistLocked(true); err != nil {
		if prev != nil {
			v.records[service] = prev
		} else {
			delete(v.records, service)
		}
		v.mu.Unlock()
		return err
	}

	eventType := "normal"
	if forceRotation {
		eventType = "forced"
	}
	if err := v.audit.Record(RotationEvent{
		Service:       service,
		Timestamp:     now,
		Type:          eventType,
		RotationCount: rec.RotationCount,
	}); err != nil {
		v.log.WithError(err).WithField("service", service).Warn("failed to append rotation audit event")
	}

	observers := append([]func(string){}, v.observers...)
	v.mu.Unlock()

	v.log.WithField("service", service).
		WithField("rotation_count", rec.RotationCount).
		WithField("forced", forceRotation).
		Info("credential updated")

	for _, fn := range observers {
		fn(service)
	}
	return nil
}

// GetAPIKey returns the plaintext key for a service. An environment override
// always wins and is not tracked; reads of stored credentials advance the
// usage counter, persisted at a throttled cadence.
func (v *Vault) GetAPIKey(service string) (string, bool) {
	if name, ok := envOverrides[service]; ok {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val, true
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ensureLoadedLocked(); err != nil {
		v.log.WithError(err).Error("vault load failed")
		return "", false
	}

	rec := v.records[service]
	if rec == nil || rec.APIKey == "" {
		return "", false
	}

	upd := rec.clone()
	upd.UsageCount++
	upd.LastUsed = time.Now()
	v.records[service] = upd

	v.unflushed++
	if v.unflushed >= v.flushEvery {
		if err := v.persistLocked(false); err != nil {
			v.log.WithError(err).Warn("failed to flush usage counters")
		} else {
			v.unflushed = 0
		}
	}

	return upd.APIKey, true
}

// RemoveCredential deletes a service's record. Removing an absent service is
// idempotent success and leaves the vault file untouched.
func (v *Vault) RemoveCredential(service string) error {
	v.mu.Lock()
	if err := v.ensureLoadedLocked(); err != nil {
		v.mu.Unlock()
		return err
	}

	prev, ok := v.records[service]
	if !ok {
		v.mu.Unlock()
		return nil
	}

	delete(v.records, service)
	if err := v.persistLocked(true); err != nil {
		v.records[service] = prev
		v.mu.Unlock()
		return err
	}

	observers := append([]func(string){}, v.observers...)
	v.mu.Unlock()

	v.log.WithField("service", service).Info("credential removed")

	for _, fn := range observers {
		fn(service)
	}
	return nil
}

// IsServiceEnabled reports whether a service has a usable credential. An
// environment override counts as configured and enabled regardless of the
// stored record.
func (v *Vault) IsServiceEnabled(service string) bool {
	if name, ok := envOverrides[service]; ok {
		if strings.TrimSpace(os.Getenv(name)) != "" {
			return true
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ensureLoadedLocked(); err != nil {
		v.log.WithError(err).Error("vault load failed")
		return false
	}

	rec := v.records[service]
	return rec != nil && rec.Enabled && rec.APIKey != ""
}

// AllServicesStatus reports per-service status for the fixed known provider
// set plus any additional stored services. Key material appears only as a
// masked preview.
func (v *Vault) AllServicesStatus() map[string]ServiceStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ensureLoadedLocked(); err != nil {
		v.log.WithError(err).Error("vault load failed")
	}

	now := time.Now()
	out := make(map[string]ServiceStatus, len(KnownServices)+len(v.records))
	for _, service := range v.allServiceIDsLocked() {
		out[service] = v.statusLocked(service, now)
	}
	return out
}

// ExportConfig is the maskless counterpart of AllServicesStatus: booleans,
// timestamps and counters only, safe to log or ship to less-trusted
// consumers.
func (v *Vault) ExportConfig() map[string]ExportEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ensureLoadedLocked(); err != nil {
		v.log.WithError(err).Error("vault load failed")
	}

	now := time.Now()
	out := make(map[string]ExportEntry, len(KnownServices)+len(v.records))
	for _, service := range v.allServiceIDsLocked() {
		st := v.statusLocked(service, now)
		out[service] = ExportEntry{
			Configured:        st.Configured,
			Enabled:           st.Enabled,
			CreatedAt:         st.CreatedAt,
			UpdatedAt:         st.UpdatedAt,
			LastUsed:          st.LastUsed,
			UsageCount:        st.UsageCount,
			RotationCount:     st.RotationCount,
			RotationDue:       st.RotationDue,
			SecurityScore:     st.SecurityScore,
			EncryptionEnabled: st.EncryptionEnabled,
		}
	}
	return out
}

// SecurityAuditReport buckets every stored record by its security score. The
// scores come from the same computation as AllServicesStatus, so the bucket
// boundaries always agree with the status view.
func (v *Vault) SecurityAuditReport() AuditReport {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ensureLoadedLocked(); err != nil {
		v.log.WithError(err).Error("vault load failed")
	}

	now := time.Now()
	report := AuditReport{
		GeneratedAt:       now,
		TotalServices:     len(v.records),
		EncryptionEnabled: v.EncryptionEnabled(),
	}

	for service, rec := range v.records {
		score := v.policy.Score(rec, now, v.EncryptionEnabled())
		switch riskBucket(score) {
		case "high":
			report.HighRisk = append(report.HighRisk, service)
		case "medium":
			report.MediumRisk = append(report.MediumRisk, service)
		default:
			report.LowRisk = append(report.LowRisk, service)
		}
	}

	sort.Strings(report.HighRisk)
	sort.Strings(report.MediumRisk)
	sort.Strings(report.LowRisk)
	report.HighRiskCount = len(report.HighRisk)
	report.MediumRiskCount = len(report.MediumRisk)
	report.LowRiskCount = len(report.LowRisk)
	return report
}

// RotationEvents returns the rotation audit trail, oldest first.
func (v *Vault) RotationEvents() ([]RotationEvent, error) {
	events, err := v.audit.Events()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodePersistence, "failed to read rotation audit trail")
	}
	return events, nil
}

// TestConnection asks the registered tester to verify the currently
// configured key for a service. Every outcome is a data result; collaborator
// failures and panics are translated, never propagated. The vault lock is
// not held while the tester runs.
func (v *Vault) TestConnection(ctx context.Context, service string) TestResult {
	result := TestResult{Service: service, TestedAt: time.Now()}

	key, ok := v.peekKey(service)
	if !ok {
		result.Message = "api key not configured"
		return result
	}

	v.mu.Lock()
	tester := v.tester
	v.mu.Unlock()
	if tester == nil {
		result.Message = "no connection tester registered"
		return result
	}

	start := time.Now()
	err := runTester(ctx, tester, service, key)
	result.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		result.Message = err.Error()
		v.log.WithField("service", service).WithError(err).Warn("connection test failed")
		return result
	}

	result.Success = true
	result.Message = "connection ok"
	return result
}

func runTester(ctx context.Context, tester ConnectionTester, service, key string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Newf(apperrors.ErrCodeCollaborator, "provider client panic: %v", r)
		}
	}()
	return tester.Test(ctx, service, key)
}

// RotationSweep returns the stored services currently overdue for rotation,
// sorted. It never mutates the vault; the cron sweep uses it for logging and
// metrics.
func (v *Vault) RotationSweep() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ensureLoadedLocked(); err != nil {
		v.log.WithError(err).Error("vault load failed")
		return nil
	}

	now := time.Now()
	var overdue []string
	for service, rec := range v.records {
		if v.policy.Due(rec, now) {
			overdue = append(overdue, service)
		}
	}
	sort.Strings(overdue)
	return overdue
}

// FlushCounters persists any usage counters accumulated since the last
// write, bounding the throttle window across restarts.
func (v *Vault) FlushCounters() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.loaded || v.unflushed == 0 {
		return nil
	}
	if err := v.persistLocked(false); err != nil {
		return err
	}
	v.unflushed = 0
	return nil
}

// Close flushes pending counters. The vault has no other teardown; the file
// on disk is always the durable state.
func (v *Vault) Close() error {
	return v.FlushCounters()
}

// validateAPIKey trims and checks a candidate key, returning the value to
// store.
func validateAPIKey(apiKey string) (string, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return "", apperrors.New(apperrors.ErrCodeValidation, "api key must not be empty")
	}
	if len(key) < minKeyLength {
		return "", apperrors.Newf(apperrors.ErrCodeValidation, "api key must be at least %d characters", minKeyLength)
	}
	if strings.ContainsAny(key, unsafeKeyChars) {
		return "", apperrors.New(apperrors.ErrCodeValidation, "api key contains unsafe characters")
	}
	return key, nil
}

// ensureLoadedLocked lazily loads and decrypts the vault file. A record
// whose ciphertext cannot be decrypted is kept with an empty key so it shows
// up as unconfigured instead of aborting the whole load.
func (v *Vault) ensureLoadedLocked() error {
	if v.loaded {
		return nil
	}

	stored, err := v.store.Load()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePersistence, "failed to load vault")
	}

	records := make(map[string]*Record, len(stored))
	for service, sr := range stored {
		rec := &Record{
			Service:       service,
			Enabled:       sr.Enabled,
			CreatedAt:     sr.CreatedAt,
			UpdatedAt:     sr.UpdatedAt,
			LastUsed:      sr.LastUsed,
			UsageCount:    sr.UsageCount,
			RotationCount: sr.RotationCount,
		}

		switch {
		case sr.APIKeyEncrypted != "" && v.codec != nil:
			plain, err := v.codec.DecryptString(sr.APIKeyEncrypted)
			if err != nil {
				rec.retainedCiphertext = sr.APIKeyEncrypted
				v.log.WithField("service", service).WithError(err).
					Error("failed to decrypt stored credential, treating as unconfigured")
			} else {
				rec.APIKey = plain
			}
		case sr.APIKeyEncrypted != "":
			rec.retainedCiphertext = sr.APIKeyEncrypted
			v.log.WithField("service", service).
				Warn("stored credential is encrypted but encryption is unavailable")
		default:
			rec.APIKey = sr.APIKey
		}

		records[service] = rec
	}

	v.records = records
	v.loaded = true
	return nil
}

// persistLocked serializes the in-memory records and replaces the vault file
// atomically. withBackup snapshots the previous file first; counter flushes
// skip the snapshot.
func (v *Vault) persistLocked(withBackup bool) error {
	stored := make(map[string]storedRecord, len(v.records))
	for service, rec := range v.records {
		sr := storedRecord{
			Enabled:       rec.Enabled,
			CreatedAt:     rec.CreatedAt,
			UpdatedAt:     rec.UpdatedAt,
			LastUsed:      rec.LastUsed,
			UsageCount:    rec.UsageCount,
			RotationCount: rec.RotationCount,
		}

		switch {
		case rec.retainedCiphertext != "":
			// Undecryptable ciphertext goes back to disk untouched; it may
			// become readable again under a restored master secret.
			sr.APIKeyEncrypted = rec.retainedCiphertext
		case v.codec != nil:
			ciphertext, err := v.codec.EncryptString(rec.APIKey)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeCrypto,
					fmt.Sprintf("failed to encrypt credential for %s", service))
			}
			sr.APIKeyEncrypted = ciphertext
		default:
			sr.APIKey = rec.APIKey
		}

		stored[service] = sr
	}

	if withBackup {
		if err := v.store.Backup(); err != nil {
			v.log.WithError(err).Warn("failed to snapshot vault before write")
		}
	}

	if err := v.store.Save(stored); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePersistence, "failed to persist vault")
	}
	return nil
}

// peekKey resolves the effective key for a service without touching usage
// statistics.
func (v *Vault) peekKey(service string) (string, bool) {
	if name, ok := envOverrides[service]; ok {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val, true
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ensureLoadedLocked(); err != nil {
		v.log.WithError(err).Error("vault load failed")
		return "", false
	}

	rec := v.records[service]
	if rec == nil || rec.APIKey == "" {
		return "", false
	}
	return rec.APIKey, true
}

func (v *Vault) allServiceIDsLocked() []string {
	seen := make(map[string]bool, len(KnownServices)+len(v.records))
	ids := make([]string, 0, len(KnownServices)+len(v.records))
	for _, service := range KnownServices {
		seen[service] = true
		ids = append(ids, service)
	}
	for service := range v.records {
		if !seen[service] {
			ids = append(ids, service)
		}
	}
	sort.Strings(ids)
	return ids
}

func (v *Vault) statusLocked(service string, now time.Time) ServiceStatus {
	st := ServiceStatus{EncryptionEnabled: v.EncryptionEnabled()}

	var envKey string
	if name, ok := envOverrides[service]; ok {
		envKey = strings.TrimSpace(os.Getenv(name))
	}

	rec := v.records[service]

	if envKey != "" {
		st.Configured = true
		st.Enabled = true
		st.Source = "env"
		st.APIKeyMasked = MaskKey(envKey)
	} else if rec != nil && rec.APIKey != "" {
		st.Configured = true
		st.Enabled = rec.Enabled
		st.Source = "vault"
		st.APIKeyMasked = MaskKey(rec.APIKey)
	}

	if rec != nil {
		st.CreatedAt = rec.CreatedAt
		st.UpdatedAt = rec.UpdatedAt
		st.LastUsed = rec.LastUsed
		st.UsageCount = rec.UsageCount
		st.RotationCount = rec.RotationCount
		st.RotationDue = v.policy.Due(rec, now)
		st.SecurityScore = v.policy.Score(rec, now, v.EncryptionEnabled())
	} else if st.Configured {
		st.SecurityScore = v.policy.Score(nil, now, v.EncryptionEnabled())
	}

	return st
}
