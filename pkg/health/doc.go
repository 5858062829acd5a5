// Package health samples queue statistics and classifies each queue as
// healthy, warning or critical.
//
// Evaluate is a pure function over Metrics and Thresholds:
//
//   - a paused queue is critical
//   - an error rate above MaxErrorRatePct is critical
//   - more than HighWatermark waiting jobs is critical when nothing was
//     processed in the window and a warning otherwise
//   - an average processing time above SlowThreshold is a warning
//
// Monitor runs Evaluate on an interval for a set of queues, keeps a bounded
// history per queue, streams snapshots to subscribers and sends an
// alert.Alert when a queue turns critical:
//
//	mon, err := health.NewMonitor(store,
//		health.WithQueues("default", "emails"),
//		health.WithNotifier(alert.NewLogNotifier(log)),
//		health.WithRecovery(store),
//	)
//	if err != nil {
//		return err
//	}
//	g.Go(mon.Run(ctx))
package health
