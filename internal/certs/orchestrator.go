// Package certs orchestrates the TLS certificate lifecycle: ACME issuance
// and renewal through the external certbot CLI, uploaded certificate
// validation, and the delete cascade over referencing proxies. All CLI
// invocations are argv arrays with validated arguments and bounded
// deadlines.
package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/credcrypto"
	"github.com/aegisproxy/aegis/backend/internal/errdefs"
	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/metrics"
	"github.com/aegisproxy/aegis/backend/internal/models"
	"github.com/aegisproxy/aegis/backend/internal/util"
	"github.com/aegisproxy/aegis/backend/internal/validator"
)

// renewalWindow is how close to expiry an auto-renew certificate gets
// before the sweep renews it.
const renewalWindow = 30 * 24 * time.Hour

// Test hooks.
var (
	execCommandContext = exec.CommandContext
	readFileFunc       = os.ReadFile
	writeFileFunc      = os.WriteFile
	removeFileFunc     = os.Remove
)

// Reconciler is the slice of the config reconciler the orchestrator needs
// to refresh proxies after certificate changes.
type Reconciler interface {
	ReconcileMany(ids []uint) (int64, map[uint]error)
}

// Notifier delivers certificate lifecycle notifications. Optional.
type Notifier interface {
	NotifyCertRenewed(name string)
	NotifyCertRenewalFailed(name string, cause error)
}

// Auditor records certificate mutations in the audit trail. Optional.
type Auditor interface {
	Record(action, entityType string, entityID uint, success bool, detail string)
}

// Options carries the filesystem layout and CLI configuration.
type Options struct {
	CertbotBinary  string
	Timeout        time.Duration
	ChallengeDir   string // webroot for HTTP-01
	SSLDir         string // where issued cert/key pairs land
	ConfigDir      string // certbot --config-dir; issued files under live/<name>/
	WorkDir        string
	LogsDir        string
	CredentialsDir string // transient DNS credential files
}

// IssueRequest describes one ACME order.
type IssueRequest struct {
	Name          string
	Email         string
	Domains       []string
	ChallengeType string // models.ChallengeHTTP01 or models.ChallengeDNS01
	DNSProvider   string // certbot plugin suffix, e.g. "cloudflare"
	DNSCredential *uint
	AutoRenew     bool
}

// Orchestrator runs ACME orders and owns the Certificate rows. Concurrent
// orders for the same certificate name are serialized.
type Orchestrator struct {
	db         *gorm.DB
	reconciler Reconciler
	crypter    *credcrypto.Crypter
	notifier   Notifier
	audit      Auditor
	opts       Options
	log        *logrus.Entry

	ordersMu sync.Mutex
	orders   map[string]*sync.Mutex
}

// NewOrchestrator wires the orchestrator. notifier may be nil.
func NewOrchestrator(db *gorm.DB, reconciler Reconciler, crypter *credcrypto.Crypter, notifier Notifier, opts Options) *Orchestrator {
	if opts.CertbotBinary == "" {
		opts.CertbotBinary = "certbot"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	return &Orchestrator{
		db:         db,
		reconciler: reconciler,
		crypter:    crypter,
		notifier:   notifier,
		opts:       opts,
		log:        logger.WithComponent("certs"),
		orders:     make(map[string]*sync.Mutex),
	}
}

// SetAuditor attaches the audit sink.
func (o *Orchestrator) SetAuditor(a Auditor) { o.audit = a }

// Issue validates the request, runs the ACME order and persists the
// resulting certificate. Wildcard domains require DNS-01.
func (o *Orchestrator) Issue(ctx context.Context, req IssueRequest) (*models.Certificate, error) {
	if err := o.validateRequest(&req); err != nil {
		return nil, err
	}

	unlock := o.lockName(req.Name)
	defer unlock()

	args, cleanup, err := o.buildArgs(req)
	if err != nil {
		return nil, err
	}
	// The temporary DNS credentials file must go away no matter how the
	// order ends.
	defer cleanup()

	if err := o.runCertbot(ctx, args); err != nil {
		metrics.IncCertRenewal("failed")
		return nil, err
	}

	cert, err := o.collectIssued(req)
	if err != nil {
		metrics.IncCertRenewal("failed")
		return nil, err
	}
	metrics.IncCertRenewal("succeeded")
	if o.audit != nil {
		o.audit.Record("cert.issue", "certificate", cert.ID, true, cert.Name)
	}
	return cert, nil
}

// Renew re-runs the order recorded on an ACME certificate and reconciles
// every proxy referencing it.
func (o *Orchestrator) Renew(ctx context.Context, certID uint) error {
	var cert models.Certificate
	if err := o.db.First(&cert, certID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: certificate %d", errdefs.ErrNotFound, certID)
		}
		return fmt.Errorf("load certificate: %w", err)
	}
	if cert.Source != models.CertSourceACME {
		return fmt.Errorf("%w: certificate %q was uploaded, not issued", errdefs.ErrInvalidInput, cert.Name)
	}

	req := IssueRequest{
		Name:          cert.Name,
		Domains:       cert.DomainList(),
		ChallengeType: cert.ChallengeType,
		DNSCredential: cert.DNSCredentialID,
		AutoRenew:     cert.AutoRenew,
	}
	var acmeCfg struct {
		Email       string `json:"email"`
		DNSProvider string `json:"dns_provider"`
	}
	if cert.ACMEConfig != "" {
		if err := json.Unmarshal([]byte(cert.ACMEConfig), &acmeCfg); err != nil {
			return fmt.Errorf("%w: malformed acme_config on certificate %q", errdefs.ErrInvalidInput, cert.Name)
		}
	}
	req.Email = acmeCfg.Email
	req.DNSProvider = acmeCfg.DNSProvider

	if _, err := o.Issue(ctx, req); err != nil {
		if o.notifier != nil {
			o.notifier.NotifyCertRenewalFailed(cert.Name, err)
		}
		return err
	}

	if o.notifier != nil {
		o.notifier.NotifyCertRenewed(cert.Name)
	}
	return o.reconcileReferrers(cert.ID)
}

// RenewalSweep renews every auto-renew certificate at most 30 days from
// expiry. Failures are logged and do not stop the sweep. Returns how many
// renewals succeeded.
func (o *Orchestrator) RenewalSweep(ctx context.Context) int {
	deadline := time.Now().Add(renewalWindow)
	var due []models.Certificate
	err := o.db.Where("source = ? AND auto_renew = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		models.CertSourceACME, true, deadline).Find(&due).Error
	if err != nil {
		o.log.WithError(err).Error("list certificates due for renewal")
		return 0
	}

	renewed := 0
	for _, cert := range due {
		if err := o.Renew(ctx, cert.ID); err != nil {
			o.log.WithError(err).WithField("cert", cert.Name).Warn("certificate renewal failed")
			continue
		}
		o.log.WithField("cert", cert.Name).Info("certificate renewed")
		renewed++
	}
	return renewed
}

// SaveUploaded validates and stores an uploaded certificate/key pair. The
// key must match the certificate's public key.
func (o *Orchestrator) SaveUploaded(name string, certPEM, keyPEM []byte) (*models.Certificate, error) {
	if err := validator.Identifier(name); err != nil {
		return nil, err
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("%w: certificate and key do not match: %v", errdefs.ErrInvalidInput, err)
	}
	issuer, sans, notAfter, err := parseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	var existing models.Certificate
	if err := o.db.Where("name = ?", name).First(&existing).Error; err == nil {
		return nil, fmt.Errorf("%w: certificate %q already exists", errdefs.ErrConflict, name)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("look up certificate: %w", err)
	}

	certPath := filepath.Join(o.opts.SSLDir, name+".crt")
	keyPath := filepath.Join(o.opts.SSLDir, name+".key")
	if err := writeFileFunc(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}
	if err := writeFileFunc(keyPath, keyPEM, 0o600); err != nil {
		_ = removeFileFunc(certPath)
		return nil, fmt.Errorf("write key: %w", err)
	}

	cert := models.Certificate{
		Name:        name,
		DomainNames: strings.Join(sans, ","),
		Issuer:      issuer,
		ExpiresAt:   &notAfter,
		CertPath:    certPath,
		KeyPath:     keyPath,
		Source:      models.CertSourceUpload,
	}
	if err := o.db.Create(&cert).Error; err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &cert, nil
}

// Delete runs the removal cascade: SSL is disabled on every referring
// proxy, the batch is regenerated, the admin_cert_id setting is cleared
// when it pointed here, and only then are files and row removed.
func (o *Orchestrator) Delete(certID uint) error {
	var cert models.Certificate
	if err := o.db.First(&cert, certID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: certificate %d", errdefs.ErrNotFound, certID)
		}
		return fmt.Errorf("load certificate: %w", err)
	}

	var referrers []uint
	err := o.db.Model(&models.Proxy{}).Where("certificate_id = ?", certID).Pluck("id", &referrers).Error
	if err != nil {
		return fmt.Errorf("list referring proxies: %w", err)
	}
	if len(referrers) > 0 {
		err = o.db.Model(&models.Proxy{}).Where("certificate_id = ?", certID).
			Updates(map[string]interface{}{"certificate_id": nil, "ssl_enabled": false}).Error
		if err != nil {
			return fmt.Errorf("detach certificate from proxies: %w", err)
		}
		if _, errs := o.reconciler.ReconcileMany(referrers); len(errs) > 0 {
			for pid, rerr := range errs {
				o.log.WithError(rerr).WithField("proxy_id", pid).
					Warn("proxy regeneration failed during certificate delete")
			}
		}
	}

	o.clearAdminCertSetting(certID)

	if cert.CertPath != "" {
		_ = removeFileFunc(cert.CertPath)
	}
	if cert.KeyPath != "" {
		_ = removeFileFunc(cert.KeyPath)
	}
	if err := o.db.Delete(&models.Certificate{}, certID).Error; err != nil {
		return fmt.Errorf("delete certificate: %w", err)
	}
	o.log.WithFields(logrus.Fields{"cert": cert.Name, "detached_proxies": len(referrers)}).
		Info("certificate deleted")
	if o.audit != nil {
		o.audit.Record("cert.delete", "certificate", certID, true, cert.Name)
	}
	return nil
}

func (o *Orchestrator) validateRequest(req *IssueRequest) error {
	if err := validator.Identifier(req.Name); err != nil {
		return err
	}
	if err := validator.Email(req.Email); err != nil {
		return err
	}
	if len(req.Domains) == 0 {
		return fmt.Errorf("%w: at least one domain is required", errdefs.ErrInvalidInput)
	}

	dns := req.ChallengeType == models.ChallengeDNS01
	if !dns && req.ChallengeType != models.ChallengeHTTP01 {
		return fmt.Errorf("%w: unknown challenge type %q", errdefs.ErrInvalidInput, req.ChallengeType)
	}
	for _, d := range req.Domains {
		if err := validator.Domain(d, dns); err != nil {
			if strings.Contains(d, "*") && !dns {
				return fmt.Errorf("%w: wildcard domain %q requires dns-01", errdefs.ErrInvalidInput, d)
			}
			return err
		}
	}
	if dns {
		if req.DNSCredential == nil {
			return fmt.Errorf("%w: dns-01 requires a dns credential", errdefs.ErrInvalidInput)
		}
		if err := validator.Identifier(req.DNSProvider); err != nil {
			return err
		}
	}
	return nil
}

// buildArgs assembles the certbot argv. For DNS-01 it writes the transient
// credentials file and returns a cleanup that removes it.
func (o *Orchestrator) buildArgs(req IssueRequest) (args []string, cleanup func(), err error) {
	args = []string{
		"certonly",
		"--non-interactive",
		"--agree-tos",
		"--email", req.Email,
		"--cert-name", req.Name,
		"--config-dir", o.opts.ConfigDir,
		"--work-dir", o.opts.WorkDir,
		"--logs-dir", o.opts.LogsDir,
	}
	for _, d := range req.Domains {
		args = append(args, "-d", d)
	}

	cleanup = func() {}
	if req.ChallengeType == models.ChallengeHTTP01 {
		args = append(args, "--webroot", "--webroot-path", o.opts.ChallengeDir)
		return args, cleanup, nil
	}

	credPath, err := o.writeDNSCredentials(req)
	if err != nil {
		return nil, cleanup, err
	}
	cleanup = func() {
		if rmErr := removeFileFunc(credPath); rmErr != nil && !os.IsNotExist(rmErr) {
			o.log.WithError(rmErr).Warn("remove transient dns credentials file")
		}
	}
	args = append(args,
		"--dns-"+req.DNSProvider,
		"--dns-"+req.DNSProvider+"-credentials", credPath,
	)
	return args, cleanup, nil
}

// writeDNSCredentials decrypts the credential payload and materializes it
// as a 0600 ini file for the certbot DNS plugin.
func (o *Orchestrator) writeDNSCredentials(req IssueRequest) (string, error) {
	var cred models.Credential
	if err := o.db.First(&cred, *req.DNSCredential).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: credential %d", errdefs.ErrNotFound, *req.DNSCredential)
		}
		return "", fmt.Errorf("load credential: %w", err)
	}

	payload := map[string]string{}
	if err := o.crypter.DecryptJSON(cred.CredentialsEncrypted, &payload); err != nil {
		return "", err
	}

	var b strings.Builder
	for key, value := range payload {
		if !strings.HasPrefix(key, "dns_") {
			key = "dns_" + req.DNSProvider + "_" + key
		}
		b.WriteString(key + " = " + value + "\n")
	}

	path := filepath.Join(o.opts.CredentialsDir, fmt.Sprintf("%s-%d.ini", req.Name, time.Now().UnixMilli()))
	if err := writeFileFunc(path, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("write dns credentials: %w", err)
	}
	return path, nil
}

func (o *Orchestrator) runCertbot(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	out, err := execCommandContext(ctx, o.opts.CertbotBinary, args...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("acme order timed out: %w", errdefs.ErrTransientFailure)
	}
	if err != nil {
		return fmt.Errorf("acme order failed: %s: %w", util.Truncate(output, 500), errdefs.ErrExternalFailure)
	}
	return nil
}

// collectIssued reads the freshly issued files out of the ACME live
// directory, copies them into the ssl directory and upserts the row.
func (o *Orchestrator) collectIssued(req IssueRequest) (*models.Certificate, error) {
	liveDir := filepath.Join(o.opts.ConfigDir, "live", req.Name)
	fullchain, err := readFileFunc(filepath.Join(liveDir, "fullchain.pem"))
	if err != nil {
		return nil, fmt.Errorf("read issued fullchain: %w", err)
	}
	privkey, err := readFileFunc(filepath.Join(liveDir, "privkey.pem"))
	if err != nil {
		return nil, fmt.Errorf("read issued key: %w", err)
	}

	issuer, sans, notAfter, err := parseCertificate(fullchain)
	if err != nil {
		return nil, err
	}

	certPath := filepath.Join(o.opts.SSLDir, req.Name+".crt")
	keyPath := filepath.Join(o.opts.SSLDir, req.Name+".key")
	if err := writeFileFunc(certPath, fullchain, 0o644); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}
	if err := writeFileFunc(keyPath, privkey, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}

	acmeCfg, err := json.Marshal(map[string]string{
		"email":        req.Email,
		"dns_provider": req.DNSProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("encode acme config: %w", err)
	}

	cert := models.Certificate{
		Name:            req.Name,
		DomainNames:     strings.Join(orderDomains(req.Domains, sans), ","),
		Issuer:          issuer,
		ExpiresAt:       &notAfter,
		CertPath:        certPath,
		KeyPath:         keyPath,
		Source:          models.CertSourceACME,
		AutoRenew:       req.AutoRenew,
		ChallengeType:   req.ChallengeType,
		DNSCredentialID: req.DNSCredential,
		ACMEConfig:      string(acmeCfg),
	}

	var existing models.Certificate
	err = o.db.Where("name = ?", req.Name).First(&existing).Error
	switch {
	case err == nil:
		cert.ID = existing.ID
		cert.UUID = existing.UUID
		if err := o.db.Save(&cert).Error; err != nil {
			return nil, fmt.Errorf("update certificate: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := o.db.Create(&cert).Error; err != nil {
			return nil, fmt.Errorf("create certificate: %w", err)
		}
	default:
		return nil, fmt.Errorf("look up certificate: %w", err)
	}
	return &cert, nil
}

func (o *Orchestrator) reconcileReferrers(certID uint) error {
	var referrers []uint
	err := o.db.Model(&models.Proxy{}).Where("certificate_id = ?", certID).Pluck("id", &referrers).Error
	if err != nil {
		return fmt.Errorf("list referring proxies: %w", err)
	}
	if len(referrers) == 0 {
		return nil
	}
	if _, errs := o.reconciler.ReconcileMany(referrers); len(errs) > 0 {
		for pid, rerr := range errs {
			o.log.WithError(rerr).WithField("proxy_id", pid).
				Warn("proxy regeneration failed after renewal")
		}
	}
	return nil
}

func (o *Orchestrator) clearAdminCertSetting(certID uint) {
	var s models.Setting
	if err := o.db.Where("key = ?", models.SettingAdminCertID).First(&s).Error; err != nil {
		return
	}
	if s.Value != fmt.Sprint(certID) {
		return
	}
	if err := o.db.Model(&models.Setting{}).Where("key = ?", models.SettingAdminCertID).
		Update("value", "").Error; err != nil {
		o.log.WithError(err).Warn("clear admin certificate setting")
	}
}

// lockName serializes orders per certificate name.
func (o *Orchestrator) lockName(name string) func() {
	o.ordersMu.Lock()
	mu, ok := o.orders[name]
	if !ok {
		mu = &sync.Mutex{}
		o.orders[name] = mu
	}
	o.ordersMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// parseCertificate extracts issuer, SANs and expiry from the leaf of a PEM
// bundle.
func parseCertificate(pemData []byte) (issuer string, sans []string, notAfter time.Time, err error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return "", nil, time.Time{}, fmt.Errorf("%w: no PEM block in certificate", errdefs.ErrInvalidInput)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", nil, time.Time{}, fmt.Errorf("%w: parse certificate: %v", errdefs.ErrInvalidInput, err)
	}

	issuer = cert.Issuer.CommonName
	if issuer == "" {
		issuer = cert.Issuer.String()
	}
	sans = cert.DNSNames
	if len(sans) == 0 && cert.Subject.CommonName != "" {
		sans = []string{cert.Subject.CommonName}
	}
	return issuer, sans, cert.NotAfter, nil
}

// orderDomains keeps the requested order but trusts the issued SANs as the
// authoritative set.
func orderDomains(requested, issued []string) []string {
	if len(issued) == 0 {
		return requested
	}
	issuedSet := make(map[string]bool, len(issued))
	for _, d := range issued {
		issuedSet[strings.ToLower(d)] = true
	}
	out := make([]string, 0, len(issued))
	for _, d := range requested {
		d = strings.ToLower(d)
		if issuedSet[d] {
			out = append(out, d)
			delete(issuedSet, d)
		}
	}
	for _, d := range issued {
		if issuedSet[strings.ToLower(d)] {
			out = append(out, strings.ToLower(d))
			delete(issuedSet, strings.ToLower(d))
		}
	}
	return out
}
