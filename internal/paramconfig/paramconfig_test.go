package paramconfig

import (
	"errors"
	"testing"

	"github.com/taskgraph/runner/internal/errs"
)

const sampleDoc = `{
  "fetch": {
    "input": {"url": "<%= source_url %>"},
    "output": {"value": null}
  },
  "consume": {
    "input": {"value": "<%= $.fetch.output.value %>"},
    "output": {}
  }
}`

func TestFreeAndBoundPartition(t *testing.T) {
	c, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatal(err)
	}
	params := c.GetParams()
	if _, ok := params["source_url"]; !ok {
		t.Fatalf("expected source_url to be a free parameter, got %v", params)
	}
}

func TestSetParamsRejectsExtrasAndMissing(t *testing.T) {
	c, _ := Parse([]byte(sampleDoc))
	if err := c.SetParams(map[string]interface{}{"source_url": "x", "extra": 1}); !errors.Is(err, errs.ErrMissingFreeParam) {
		t.Fatalf("expected ErrMissingFreeParam on extra key, got %v", err)
	}
	if err := c.SetParams(map[string]interface{}{}); !errors.Is(err, errs.ErrMissingFreeParam) {
		t.Fatalf("expected ErrMissingFreeParam on missing key, got %v", err)
	}
}

func TestExpandAndUpdateOutputPropagates(t *testing.T) {
	c, _ := Parse([]byte(sampleDoc))
	if err := c.SetParams(map[string]interface{}{"source_url": "http://example/"}); err != nil {
		t.Fatal(err)
	}
	tree, err := c.Expand()
	if err != nil {
		t.Fatal(err)
	}
	fetch := tree["fetch"].(map[string]interface{})
	input := fetch["input"].(map[string]interface{})
	if input["url"] != "http://example/" {
		t.Fatalf("expected free param substituted, got %v", input["url"])
	}

	tree, err = c.UpdateOutput("fetch", map[string]interface{}{"value": 42})
	if err != nil {
		t.Fatal(err)
	}
	consume := tree["consume"].(map[string]interface{})
	cinput := consume["input"].(map[string]interface{})
	if cinput["value"] != 42 {
		t.Fatalf("expected downstream input to observe updated output, got %v", cinput["value"])
	}
}

func TestUpdateOutputIdempotentForEqualValues(t *testing.T) {
	c, _ := Parse([]byte(sampleDoc))
	_ = c.SetParams(map[string]interface{}{"source_url": "u"})
	t1, _ := c.UpdateOutput("fetch", map[string]interface{}{"value": 7})
	t2, _ := c.UpdateOutput("fetch", map[string]interface{}{"value": 7})
	c1 := t1["consume"].(map[string]interface{})["input"].(map[string]interface{})["value"]
	c2 := t2["consume"].(map[string]interface{})["input"].(map[string]interface{})["value"]
	if c1 != c2 {
		t.Fatalf("expected equal expanded trees for equal successive outputs, got %v vs %v", c1, c2)
	}
}

func TestOutputSubtreeTemplateForbidden(t *testing.T) {
	doc := `{"a": {"input": {}, "output": {"x": "<%= y %>"}}}`
	_, err := Parse([]byte(doc))
	if !errors.Is(err, errs.ErrConfigForbidden) {
		t.Fatalf("expected ErrConfigForbidden for output-subtree template, got %v", err)
	}
}

func TestCrossTaskInputReferenceForbidden(t *testing.T) {
	doc := `{
		"a": {"input": {"x": 1}, "output": {}},
		"b": {"input": {"y": "<%= $.a.input.x %>"}, "output": {}}
	}`
	_, err := Parse([]byte(doc))
	if !errors.Is(err, errs.ErrConfigForbidden) {
		t.Fatalf("expected ErrConfigForbidden for cross-task input reference, got %v", err)
	}
}

func TestExpandSubstitutesArrayNestedPlaceholder(t *testing.T) {
	doc := `{
		"fetch": {"input": {"urls": ["a", "<%= source_url %>", "c"]}, "output": {}}
	}`
	c, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetParams(map[string]interface{}{"source_url": "http://example/"}); err != nil {
		t.Fatal(err)
	}
	tree, err := c.Expand()
	if err != nil {
		t.Fatal(err)
	}
	urls := tree["fetch"].(map[string]interface{})["input"].(map[string]interface{})["urls"].([]interface{})
	if urls[1] != "http://example/" {
		t.Fatalf("expected array-nested placeholder substituted, got %v", urls[1])
	}
}
