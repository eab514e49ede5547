package fetcherclient

import "testing"

func TestClassifySuccessWithBookID(t *testing.T) {
	o := Classify("Some update log\nAdded book ids: 42\n")
	if o.Kind != OutcomeSuccess {
		t.Fatalf("want success, got %v", o.Kind)
	}
	if o.Reason != "42" {
		t.Fatalf("want book id 42, got %q", o.Reason)
	}
}

func TestClassifyPlainSuccessWithNoRecognizedPattern(t *testing.T) {
	o := Classify("update complete, no changes needed")
	if o.Kind != OutcomeSuccess {
		t.Fatalf("want success, got %v", o.Kind)
	}
}

func TestClassifyPermanentFailureEqualChapters(t *testing.T) {
	o := Classify("story already contains 12 chapters.")
	if o.Kind != OutcomePermanentFailure {
		t.Fatalf("want permanent failure, got %v", o.Kind)
	}
}

func TestClassifyPermanentFailureBadChapters(t *testing.T) {
	o := Classify("epub doesn't contain any recognizable chapters, probably from a different source.  Not updating.")
	if o.Kind != OutcomePermanentFailure {
		t.Fatalf("want permanent failure, got %v", o.Kind)
	}
}

func TestClassifyTransientFailureLogin(t *testing.T) {
	o := Classify("Login Failed on non-interactive process. Set username and password in personal.ini.")
	if o.Kind != OutcomeTransientFailure {
		t.Fatalf("want transient failure, got %v", o.Kind)
	}
}

func TestClassifyTransientFailureForbidden(t *testing.T) {
	o := Classify("403 Client Error: Forbidden for url: https://fanfiction.net/s/123")
	if o.Kind != OutcomeTransientFailure {
		t.Fatalf("want transient failure, got %v", o.Kind)
	}
}

func TestClassifyForceIndicatedChapterDifference(t *testing.T) {
	o := Classify("local epub contains 5 chapters, more than source: 4.")
	if o.Kind != OutcomeForceIndicated {
		t.Fatalf("want force indicated, got %v", o.Kind)
	}
}

func TestClassifyForceIndicatedTimestampAnomalyExtractsTimestamp(t *testing.T) {
	output := "File(story.epub) Updated(2024-05-01T10:00:00) more recently than Story(2024-04-01T10:00:00) - Skipping"
	o := Classify(output)
	if o.Kind != OutcomeForceIndicated {
		t.Fatalf("want force indicated, got %v", o.Kind)
	}
	if o.Timestamp == "" {
		t.Fatal("expected a parsed timestamp on a timestamp-anomaly match")
	}
}

func TestClassifyPrefersForceableOverFailurePatterns(t *testing.T) {
	// A chapter-difference message also happens to contain the word
	// "chapters"; ensure the forceable table is checked first so a
	// forceable condition is never misclassified as a bare failure.
	o := Classify("local epub contains 9 chapters, more than source: 8.")
	if o.Kind != OutcomeForceIndicated {
		t.Fatalf("want force indicated to take precedence, got %v", o.Kind)
	}
}
