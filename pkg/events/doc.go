/*
Package events backs ConnectWorker: a per-WorkerId pub/sub broker that
fans out stdout/stderr lines and status transitions to watching callers.

Publish is non-blocking and delivery is best-effort — a slow subscriber
misses events rather than stalling the worker producing them. There is no
persistence or replay; a caller that subscribes after an event fired never
sees it. Callers that need the full history should read the oplog instead,
which is durable; this package is only for live tailing.
*/
package events
