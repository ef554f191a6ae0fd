// Package gateway is the network surface of skillbot.
//
// # HTTP
//
//	POST /webhook/{platform}  signed messenger webhooks (LINE)
//	POST /api/push            bearer-authenticated push of an intent to a user
//	GET  /health              liveness
//	GET  /health/ready        200 once listening with at least one messenger
//	GET  <metrics.path>       Prometheus exposition when metrics are enabled
//
// In development mode a webhook response waits for processing and carries the
// resulting contexts, or a 400 with the error. In production the webhook is
// acknowledged immediately and events are processed in the background;
// Shutdown waits for that work.
//
// # Sync messengers
//
// Messengers that implement SyncMessenger (Matrix) run their sync loop for the
// lifetime of Run and feed events into the same processor.
//
// # Listeners
//
// Listeners are plain TCP on server.http_addr and server.grpc_addr, or a
// tailscale node when tailscale.enabled is set. With tailscale.funnel the
// HTTP listener is public HTTPS on :443 so platforms can reach the webhook.
// The gRPC server exposes only grpc.health.v1.
package gateway
