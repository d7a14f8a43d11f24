// Package httpmw holds the generic HTTP middleware that surrounds the
// security pipeline: panic recovery, request IDs, client address resolution,
// body limits, route annotation and request logging.
//
// httpserver.NewHandler composes them outermost first. User-supplied values
// other than path and query stay out of the logs.
package httpmw
