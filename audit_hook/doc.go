// Package audithook records an audit trail of the job, workflow, bridge
// and cron lifecycle.
//
// Each hook becomes one [Event] handed to a [Recorder]. Failures are
// critical, retries and terminated outcomes are warnings, everything else
// is info. A recorder error is logged and never fails the hook.
//
//	eng, err := engine.Build(d,
//	    engine.WithExtension(audithook.New(audithook.NewLogRecorder(auditLogger))),
//	)
//
// Restrict the trail to a few actions:
//
//	audithook.New(rec, audithook.WithActions(
//	    audithook.ActionOutcomeRecorded,
//	    audithook.ActionJobFailed,
//	))
package audithook
