package processors

import (
	"fmt"
	"time"

	"github.com/robobridge/robobridge/pkg/rpa"
	"github.com/robobridge/robobridge/pkg/sanitize"
)

// documentFields is the metadata the document processor flattens into
// SpecificContent. Fields absent from the item are skipped, not nulled: the
// provider rejects null parameters.
var documentFields = []string{
	"id",
	"FileLeafRef",
	"LinkFilename",
	"Title",
	"FileSizeDisplay",
	"File_x0020_Size",
	"File_x0020_Type",
	"ContentType",
	"ContentTypeId",
	"DocIcon",
	"Author",
	"AuthorLookupId",
	"Editor",
	"EditorLookupId",
	"Created",
	"Modified",
	"Created_x0020_Date",
	"Last_x0020_Modified",
	"CheckoutUser",
	"CheckedOutTitle",
	"ServerUrl",
	"EncodedAbsUrl",
	"FileRef",
	"FileDirRef",
	"UniqueId",
	"GUID",
	"ParentLeafName",
	"ParentVersionString",
	"_UIVersionString",
	"Order",
}

// DocumentProcessor queues every document it sees, carrying the flattened
// library metadata for the robot.
type DocumentProcessor struct{}

// NewDocumentProcessor returns the built-in document handler.
func NewDocumentProcessor() *DocumentProcessor {
	return &DocumentProcessor{}
}

// Name implements Processor.
func (p *DocumentProcessor) Name() string {
	return "document"
}

// ShouldProcess implements Processor. Documents are unconditional: every
// notification with item state gets queued.
func (p *DocumentProcessor) ShouldProcess(current, previous map[string]interface{}) (bool, string) {
	return true, ""
}

// Validate implements Processor. The only hard requirement is an item id,
// which anchors the idempotency reference.
func (p *DocumentProcessor) Validate(current map[string]interface{}) *ValidationError {
	if stringValue(current, "id") == "" {
		return &ValidationError{MissingFields: []string{"id"}}
	}
	return nil
}

// Transform implements Processor.
func (p *DocumentProcessor) Transform(current map[string]interface{}) (*rpa.QueueItem, error) {
	id := stringValue(current, "id")
	filename := firstStringValue(current, "FileLeafRef", "LinkFilename", "Title")
	if filename == "" {
		filename = "document"
	}

	picked := make(map[string]interface{}, len(documentFields))
	for _, f := range documentFields {
		if v, ok := current[f]; ok && v != nil {
			picked[f] = v
		}
	}

	return &rpa.QueueItem{
		Priority:        rpa.PriorityNormal,
		Reference:       fmt.Sprintf("SPDOC_%s_%s_%d", filename, id, time.Now().UnixMilli()),
		SpecificContent: sanitize.Content(picked),
	}, nil
}

func stringValue(fields map[string]interface{}, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

func firstStringValue(fields map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v := stringValue(fields, key); v != "" {
			return v
		}
	}
	return ""
}
