package client

import (
	"encoding/xml"
	"errors"
	"fmt"
)

// The read endpoint answers with an item list whose <n>/<v> children pair up
// positionally. Field meaning comes entirely from request order; the names
// echoed back are not trusted.
type readResponse struct {
	XMLName  xml.Name `xml:"body"`
	ItemList struct {
		Items []responseItem `xml:"i"`
	} `xml:"item_list"`
}

type responseItem struct {
	Values []string `xml:"v"`
}

// parseItemValues flattens all response values in wire order.
func parseItemValues(payload []byte) ([]string, error) {
	var resp readResponse
	if err := xml.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if len(resp.ItemList.Items) == 0 {
		return nil, errors.New("response contains no items")
	}

	var values []string
	for _, item := range resp.ItemList.Items {
		values = append(values, item.Values...)
	}
	return values, nil
}
