/*
Package runtime defines the LabRuntime capability contract
(CreateLab/DestroyLab/ResourcesExistForLab/Kind) and its three
implementations, per spec §4.C/§4.D:

  - ComposeRuntime drives `docker compose` against a per-lab project
    directory under the configured state root.
  - MicroVMRuntime launches a jailed Firecracker process per lab,
    configuring its tap device and NAT rule directly.
  - NoopRuntime is a no-op backend used by the admin override and by
    tests; it allocates nothing and reports no resources.

Every one-shot subprocess call goes through the shared runCommand
helper so output truncation and redaction discipline is applied exactly
once; the long-running Firecracker process is the exception, started
detached through startDetachedProcess. CreateLab/DestroyLab are idempotent per lab id: retrying a
partially-created lab either succeeds or hands the caller an error it
can pair with a DestroyLab call.
*/
package runtime
