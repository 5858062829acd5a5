// Package alert delivers operator alerts raised by the job engine: critical
// jobs that fail permanently, stalled jobs that exhaust their requeues and
// queues the health monitor finds unhealthy.
//
// A Notifier receives each Alert. LogNotifier writes them to slog,
// WebhookNotifier POSTs them as signed JSON with retries and an optional
// circuit breaker, and Multi fans out to several notifiers.
//
//	hook, err := alert.NewWebhookNotifier(url, alert.WithWebhookSecret(secret))
//	if err != nil {
//	    return err
//	}
//	notifier := alert.Multi(alert.NewLogNotifier(log), hook)
package alert
