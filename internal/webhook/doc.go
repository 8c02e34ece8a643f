// Package webhook accepts HMAC-SHA256 signed HTTP posts and publishes each
// body as a task onto a broker queue.
//
// Every endpoint has its own secret and signature header. Bodies over the
// endpoint's size limit get 413. Missing or bad signatures get a generic 403.
// Request bodies are never logged.
//
//	webhooks:
//	  listen: "127.0.0.1:8082"
//	  endpoints:
//	    - path: /hooks/github
//	      queue: builds
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
//
// The correlation ID of the published task is taken from X-Request-ID when
// the caller sets one; otherwise a UUID is generated. The task carries the
// endpoint path in the x-procpool-source header.
package webhook
