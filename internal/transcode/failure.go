package transcode

import "errors"

// Stage identifies where in the pipeline a job died. The lifecycle engine
// maps stages to retry actions; the transcoder never decides retryability.
type Stage string

const (
	StageSetup  Stage = "setup"
	StageSource Stage = "source"
	StageProbe  Stage = "probe"
	StageEncode Stage = "encode"
	StageUpload Stage = "upload"
)

// Failure wraps a pipeline error with the stage that produced it.
type Failure struct {
	Stage Stage
	Err   error
}

func (f *Failure) Error() string {
	return string(f.Stage) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func failAt(stage Stage, err error) error {
	return &Failure{Stage: stage, Err: err}
}

// StageOf extracts the failure stage, or "" for untyped errors.
func StageOf(err error) Stage {
	var f *Failure
	if errors.As(err, &f) {
		return f.Stage
	}
	return ""
}
