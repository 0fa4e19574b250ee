/*
Package health provides the HTTP and TCP checkers pkg/provisioner polls
while waiting for a newly created lab to come up (readiness gating,
spec §4.G): TCPChecker confirms the NoVNC port accepts connections,
HTTPChecker confirms a configured path (e.g. /vnc.html) answers with a
status inside the checker's accepted range (200–399 by default).
Redirects are followed, so the status checked is that of the final
response, not the 302 itself; any final status from 200 to 399 passes,
not only 200.
*/
package health
