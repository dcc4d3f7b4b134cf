/*
Package health provides small reachability probes: a TCP dial check and
an HTTP status check.

The gateway provisioner uses the TCP checker to verify the proxy can
reach a desktop's VNC port before handing out a connection, and the
HTTP checker backs client-side waits for the API's readiness endpoint.
Checkers are one-shot; loops, retries, and thresholds belong to the
caller.
*/
package health
