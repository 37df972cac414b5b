package gmail

import (
	"fmt"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/utf7"
)

// numericItem returns a fetch item holding a 64-bit number as its decimal
// string. Unexpected value types are schema drift and fail hard.
func numericItem(msg *imap.Message, item imap.FetchItem) (string, error) {
	v, ok := msg.Items[item]
	if !ok || v == nil {
		return "", fmt.Errorf("fetch response for UID %d lacks %s", msg.Uid, item)
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case imap.RawString:
		s = string(t)
	case uint32:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return "", fmt.Errorf("unexpected %s type %T for UID %d", item, v, msg.Uid)
	}
	if _, err := strconv.ParseUint(s, 10, 64); err != nil {
		return "", fmt.Errorf("parsing %s for UID %d: %w", item, msg.Uid, err)
	}
	return s, nil
}

// labelsItem decodes the X-GM-LABELS list into plain label names.
func labelsItem(msg *imap.Message) ([]string, error) {
	v, ok := msg.Items[imap.FetchItem(AttrLabels)]
	if !ok {
		return nil, fmt.Errorf("fetch response for UID %d lacks %s", msg.Uid, AttrLabels)
	}
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected %s type %T for UID %d", AttrLabels, v, msg.Uid)
	}
	labels := make([]string, 0, len(list))
	for _, raw := range list {
		var s string
		switch t := raw.(type) {
		case string:
			s = t
		case imap.RawString:
			s = string(t)
		default:
			return nil, fmt.Errorf("unexpected label type %T for UID %d", raw, msg.Uid)
		}
		label, err := DecodeLabel(s)
		if err != nil {
			return nil, fmt.Errorf("decoding label %q for UID %d: %w", s, msg.Uid, err)
		}
		labels = append(labels, label)
	}
	return labels, nil
}

// DecodeLabel converts a modified UTF-7 label into plain text.
func DecodeLabel(s string) (string, error) {
	return utf7.Encoding.NewDecoder().String(s)
}

// EncodeLabel converts a label into the modified UTF-7 wire form.
func EncodeLabel(s string) (string, error) {
	return utf7.Encoding.NewEncoder().String(s)
}
