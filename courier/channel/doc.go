// Package channel resolves or provisions topics and queues against a
// messaging backend while minimizing expensive enumeration calls.
//
// Resolution strategies are tried cheapest first: a direct reference or a
// convention-derived reference costs one attribute fetch, enumeration lists
// every channel in scope and is throttled behind a minimum interval. The
// creation policy decides what resolution does about existence: create
// idempotently, validate and fail fast, or assume and skip the backend
// entirely. Successful resolutions are cached for the process lifetime.
package channel
