package pipeline

import "testing"

const sampleYAML = `
version: "3"
actions:
  generate_study_population:
    run: cohortextractor:latest generate_cohort
    outputs:
      output/input.csv: highly_sensitive

  run_model:
    run: stata-mp:latest analysis/model.do
    needs: [generate_study_population]
    outputs:
      output/model.csv: moderately_sensitive
    db_worker: true
`

func TestParseValidPipeline(t *testing.T) {
	p, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(p.Actions))
	}
	runModel := p.Actions["run_model"]
	if runModel.Name != "run_model" {
		t.Errorf("expected Name backfilled, got %q", runModel.Name)
	}
	if !runModel.DBWorker {
		t.Error("expected db_worker true")
	}
	if len(runModel.Needs) != 1 || runModel.Needs[0] != "generate_study_population" {
		t.Errorf("unexpected needs: %v", runModel.Needs)
	}
}

func TestParseRejectsUndefinedNeed(t *testing.T) {
	_, err := Parse([]byte(`
version: "3"
actions:
  a:
    run: image:latest cmd
    needs: [ghost]
`))
	if err == nil {
		t.Fatal("expected error for undefined need")
	}
}

func TestRunImageSplit(t *testing.T) {
	a := Action{Run: "cohortextractor:latest generate_cohort --index-date-range"}
	image, cmd := a.RunImage()
	if image != "cohortextractor:latest" {
		t.Errorf("unexpected image: %q", image)
	}
	if cmd != "generate_cohort --index-date-range" {
		t.Errorf("unexpected command: %q", cmd)
	}
}
