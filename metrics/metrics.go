// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	boopsReceived        = metrics.NewCounter("boops_received_total")
	boopsRejected        = metrics.NewCounter("boops_rejected_total")
	queueFullBoops       = metrics.NewCounter("boops_queue_full_total")
	queuePopStaleBoops   = metrics.NewCounter("boops_queue_pop_stale_item_total")
	queueRequeuedBoops   = metrics.NewCounter("boops_queue_requeued_total")
	batchPersistFailed   = metrics.NewCounter("batch_persist_failed_total")
	attemptsBroadcast    = metrics.NewCounter("attempts_broadcast_total")
	attemptsDropped      = metrics.NewCounter("attempts_dropped_total")
	attemptsReplaced     = metrics.NewCounter("attempts_replaced_total")
	attemptsCancelled    = metrics.NewCounter("attempts_cancelled_total")
	noncesReleased       = metrics.NewCounter("nonces_released_total")
	nonceResyncs         = metrics.NewCounter("nonce_resyncs_total")
	simCacheHits         = metrics.NewCounter("simulation_cache_hits_total")
	simCacheMisses       = metrics.NewCounter("simulation_cache_misses_total")
	receiptTimeouts      = metrics.NewCounter("receipt_timeouts_total")
	blockPollFailures    = metrics.NewCounter("block_poll_failures_total")
	rpcDown              = metrics.NewCounter("rpc_liveness_down_total")
	statusSaveFailures   = metrics.NewCounter("status_save_failures_total")
	monitorPassesSkipped = metrics.NewCounter("monitor_passes_skipped_total")

	batchSize             = metrics.NewHistogram("batch_size")
	simulationDuration    = metrics.NewHistogram("simulation_duration_milliseconds")
	submitDuration        = metrics.NewHistogram("submit_duration_milliseconds")
	receiptWaitDuration   = metrics.NewHistogram("receipt_wait_duration_milliseconds")
	collectorPassDuration = metrics.NewHistogram("collector_pass_duration_milliseconds")
)

func IncBoopsReceived() {
	boopsReceived.Inc()
}

func IncBoopsRejected() {
	boopsRejected.Inc()
}

func IncQueueFullBoops() {
	queueFullBoops.Inc()
}

func IncQueuePopStaleBoops() {
	queuePopStaleBoops.Inc()
}

func IncQueueRequeuedBoops() {
	queueRequeuedBoops.Inc()
}

func IncBatchPersistFailed() {
	batchPersistFailed.Inc()
}

func IncAttemptsBroadcast() {
	attemptsBroadcast.Inc()
}

func IncAttemptsDropped() {
	attemptsDropped.Inc()
}

func IncAttemptsReplaced() {
	attemptsReplaced.Inc()
}

func IncAttemptsCancelled() {
	attemptsCancelled.Inc()
}

func IncNoncesReleased() {
	noncesReleased.Inc()
}

func IncNonceResyncs() {
	nonceResyncs.Inc()
}

func IncSimCacheHits() {
	simCacheHits.Inc()
}

func IncSimCacheMisses() {
	simCacheMisses.Inc()
}

func IncReceiptTimeouts() {
	receiptTimeouts.Inc()
}

func IncBlockPollFailures() {
	blockPollFailures.Inc()
}

func IncRPCDown() {
	rpcDown.Inc()
}

func IncStatusSaveFailures() {
	statusSaveFailures.Inc()
}

func IncMonitorPassesSkipped() {
	monitorPassesSkipped.Inc()
}

// IncBoopStatus counts outcomes per status label.
func IncBoopStatus(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`boop_outcomes_total{status=%q}`, status)).Inc()
}

// IncAPIRequest counts JSON-RPC calls per method.
func IncAPIRequest(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`api_requests_total{method=%q}`, method)).Inc()
}

func IncAPIFailure(method, status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`api_failures_total{method=%q,status=%q}`, method, status)).Inc()
}

func RecordAPICallDuration(method string, ms int64) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`api_call_duration_milliseconds{method=%q}`, method)).Update(float64(ms))
}

var headBlock atomic.Uint64

var _ = metrics.NewGauge("head_block", func() float64 {
	return float64(headBlock.Load())
})

func SetHeadBlock(number uint64) {
	headBlock.Store(number)
}

func RecordBatchSize(size int) {
	batchSize.Update(float64(size))
}

func RecordSimulationDuration(ms int64) {
	simulationDuration.Update(float64(ms))
}

func RecordSubmitDuration(ms int64) {
	submitDuration.Update(float64(ms))
}

func RecordReceiptWaitDuration(ms int64) {
	receiptWaitDuration.Update(float64(ms))
}

func RecordCollectorPassDuration(ms int64) {
	collectorPassDuration.Update(float64(ms))
}
