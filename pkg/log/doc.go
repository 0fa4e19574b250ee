/*
Package log provides structured logging via zerolog: a package-level
Logger initialized once by Init, plus WithComponent/WithLabID/WithRecipeID/
WithRuntime/WithLab/WithEvidenceState helpers for child loggers that carry
context fields through a call chain.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	provLog := log.WithLab(lab)
	provLog.Info().Msg("provisioning started")

JSONOutput picks JSON vs a human-readable console writer; Output defaults
to os.Stdout. Never log secrets, tokens, or raw owner IDs — pkg/pathsafe
(RedactSecrets, RedactPath, RedactOwnerID) redacts secret-, path- and
identity-shaped strings before they reach a logger.
*/
package log
