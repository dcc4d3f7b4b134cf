/*
Package worker runs the background loops that keep the lab fleet
converging: the teardown worker, the TTL sweeper, and the stuck-ENDING
watchdog.

# Teardown worker

ENDING is a queue. The worker sweeps it on a ticker, skips labs younger
than the grace age, claims each candidate through the store's lease
claims, and runs the manager's teardown sequence under the global
teardown timeout. The claim gives exactly one worker ownership of a lab
id; a crashed worker's claims expire, so its labs are picked up again.

# TTL sweeper

READY and DEGRADED labs past their ExpiresAt deadline move to ENDING.
The sweeper only flips state; the teardown worker reclaims resources.

# Watchdog

A lab that sat in ENDING past an operator-chosen threshold is stuck.
The watchdog selects such labs oldest first, optionally limited, and
either forces the teardown sequence again or marks them FAILED. A dry
run reports the matches without acting, and naming an explicit lab id
bypasses the threshold and limit filters. The watchdog composes the
same manager operations the worker uses; it never reaches for prune.
It is exposed through the admin HTTP endpoint and the CLI rather than
running on its own timer.
*/
package worker
