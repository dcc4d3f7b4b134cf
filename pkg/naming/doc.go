/*
Package naming derives and validates every per-lab resource name.

A lab's id (a server-generated v4 UUID) is the sole input for the names of
all runtime resources belonging to it: the compose project, the two virtual
networks, the three volumes, the host TAP interface, and the gateway
username. Callers never pass free-form names into drivers; they pass the lab
and drivers derive.

# Naming Scheme

	lab id       5d41c0de-91a3-4f7e-8c2b-0a9d83e61f24
	project      octolab_5d41c0de-91a3-4f7e-8c2b-0a9d83e61f24
	lab net      <project>_lab_net
	egress net   <project>_egress_net
	auth volume  <project>_evidence_auth
	user volume  <project>_evidence_user
	pcap volume  <project>_lab_pcap
	TAP          tap-83e61f24        (trailing 8 hex of the id)
	gateway user lab-5d41c0de        (leading 8 hex of the id)

# Validation

Two strict patterns gate every subprocess and SDK operation:

	^octolab_<v4-uuid>(_[a-z_]+)?$
	^tap-[0-9a-f]{8}$

Validation failures return *UnsafeNameError and the operation is refused.
Infrastructure projects (octolab_mvp, the gateway stack) intentionally do
not match the UUID pattern, so teardown and cleanup paths can never touch
them. Every path into teardown re-validates even though names were derived
here: refusal is cheap and the names cross process boundaries.

# Usage

	project := naming.Project(lab.ID)
	if err := naming.ValidateProject(project); err != nil {
		return err // refused
	}

	if naming.BelongsToProject(containerName, project) {
		// container was created by compose for this lab
	}

BelongsToProject accepts both the compose v2 hyphen convention
(<project>-<service>-<n>) and the v1 underscore convention.
*/
package naming
