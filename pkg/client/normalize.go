package client

import "github.com/lightforgemedia/go-phxgql/pkg/model"

// normalize accepts a response only when it carries data.
func normalize(resp *model.Response) (*model.Response, error) {
	switch {
	case resp.IsEmpty():
		return nil, ErrNoResponse
	case resp.HasData():
		return resp, nil
	default:
		return nil, &ResponseError{Response: resp}
	}
}
