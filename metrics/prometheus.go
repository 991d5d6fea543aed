package metrics

import "github.com/prometheus/client_golang/prometheus"

var managedCertificate = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "siteforge_certificate_total",
		Help: "Number of managed certificates by status",
	},
	[]string{"status"},
)

var issuedCertificate = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_certificate_issued_total",
		Help: "Number of issued certificates by site",
	},
	[]string{"site"},
)

var failedValidation = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_validation_failed_total",
		Help: "Number of failed certificate validations by site",
	},
	[]string{"site"},
)

var timedOutValidation = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_validation_timeout_total",
		Help: "Number of timed out certificate validations by site",
	},
	[]string{"site"},
)

var renewedCertificate = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_certificate_renewed_total",
		Help: "Number of renewed certificates by site",
	},
	[]string{"site"},
)

var releasedCertificate = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_certificate_released_total",
		Help: "Number of released certificate requests by site",
	},
	[]string{"site"},
)

var publishedValidationRecord = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_validation_record_published_total",
		Help: "Number of published DNS validation records",
	},
	[]string{},
)

var boundCertificate = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_certificate_bound_total",
		Help: "Number of certificate bindings by consumer",
	},
	[]string{"consumer"},
)

var createdLocalCertificate = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_local_certificate_created_total",
		Help: "Number of deployed local certificates by site",
	},
	[]string{"site"},
)

var deletedLocalCertificate = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_local_certificate_deleted_total",
		Help: "Number of deleted local certificates by site",
	},
	[]string{"site"},
)

var runSuccessLocalCmd = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_local_cmd_run_success_total",
		Help: "Number of success local cmd run",
	},
	[]string{},
)

var runFailedLocalCmd = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_local_cmd_run_failed_total",
		Help: "Number of failed local cmd run",
	},
	[]string{},
)

var forwardedContactMessage = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_contact_forwarded_total",
		Help: "Number of contact messages forwarded to the email service",
	},
	[]string{},
)

var rejectedContactMessage = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_contact_rejected_total",
		Help: "Number of rejected contact messages by reason",
	},
	[]string{"reason"},
)

var getSuccessVaultSecret = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_vault_get_secret_success_total",
		Help: "Number of retrieved vault secrets",
	},
	[]string{},
)

var putSuccessVaultSecret = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_vault_put_secret_success_total",
		Help: "Number of created/updated vault secrets",
	},
	[]string{},
)

var deleteSuccessVaultSecret = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_vault_delete_secret_success_total",
		Help: "Number of deleted vault secrets",
	},
	[]string{},
)

var getFailedVaultSecret = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_vault_get_secret_failed_total",
		Help: "Number of failed vault secret reads",
	},
	[]string{},
)

var putFailedVaultSecret = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_vault_put_secret_failed_total",
		Help: "Number of failed vault secret writes",
	},
	[]string{},
)

var deleteFailedVaultSecret = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "siteforge_vault_delete_secret_failed_total",
		Help: "Number of failed vault secret deletions",
	},
	[]string{},
)

func SetManagedCertificate(status string, value float64) {
	managedCertificate.WithLabelValues(status).Set(value)
}

func IncIssuedCertificate(site string) {
	issuedCertificate.WithLabelValues(site).Inc()
}

func IncFailedValidation(site string) {
	failedValidation.WithLabelValues(site).Inc()
}

func IncTimedOutValidation(site string) {
	timedOutValidation.WithLabelValues(site).Inc()
}

func IncRenewedCertificate(site string) {
	renewedCertificate.WithLabelValues(site).Inc()
}

func IncReleasedCertificate(site string) {
	releasedCertificate.WithLabelValues(site).Inc()
}

func IncPublishedValidationRecord() {
	publishedValidationRecord.WithLabelValues().Inc()
}

func IncBoundCertificate(consumer string) {
	boundCertificate.WithLabelValues(consumer).Inc()
}

func IncCreatedLocalCertificate(site string) {
	createdLocalCertificate.WithLabelValues(site).Inc()
}

func IncDeletedLocalCertificate(site string) {
	deletedLocalCertificate.WithLabelValues(site).Inc()
}

func IncRunSuccessLocalCmd() {
	runSuccessLocalCmd.WithLabelValues().Inc()
}

func IncRunFailedLocalCmd() {
	runFailedLocalCmd.WithLabelValues().Inc()
}

func IncForwardedContactMessage() {
	forwardedContactMessage.WithLabelValues().Inc()
}

func IncRejectedContactMessage(reason string) {
	rejectedContactMessage.WithLabelValues(reason).Inc()
}

func IncGetSuccessVaultSecret() {
	getSuccessVaultSecret.WithLabelValues().Inc()
}

func IncPutSuccessVaultSecret() {
	putSuccessVaultSecret.WithLabelValues().Inc()
}

func IncDeleteSuccessVaultSecret() {
	deleteSuccessVaultSecret.WithLabelValues().Inc()
}

func IncGetFailedVaultSecret() {
	getFailedVaultSecret.WithLabelValues().Inc()
}

func IncPutFailedVaultSecret() {
	putFailedVaultSecret.WithLabelValues().Inc()
}

func IncDeleteFailedVaultSecret() {
	deleteFailedVaultSecret.WithLabelValues().Inc()
}

func init() {
	prometheus.Register(managedCertificate)
	prometheus.Register(issuedCertificate)
	prometheus.Register(failedValidation)
	prometheus.Register(timedOutValidation)
	prometheus.Register(renewedCertificate)
	prometheus.Register(releasedCertificate)
	prometheus.Register(publishedValidationRecord)
	prometheus.Register(boundCertificate)
	prometheus.Register(createdLocalCertificate)
	prometheus.Register(deletedLocalCertificate)
	prometheus.Register(runSuccessLocalCmd)
	prometheus.Register(runFailedLocalCmd)

	// contact relay metrics
	prometheus.Register(forwardedContactMessage)
	prometheus.Register(rejectedContactMessage)

	// vault metrics
	prometheus.Register(getSuccessVaultSecret)
	prometheus.Register(putSuccessVaultSecret)
	prometheus.Register(deleteSuccessVaultSecret)
	prometheus.Register(getFailedVaultSecret)
	prometheus.Register(putFailedVaultSecret)
	prometheus.Register(deleteFailedVaultSecret)
}
