package tracking

import (
	"encoding/json"
	"io/ioutil"
	"os"

	se "wuyrush.io/locket/errors"
	md "wuyrush.io/locket/models"
)

// FileLocationSource reads the latest device fix from a JSON file maintained
// by the platform's location shim. The shim removes the file when the OS
// location permission is revoked, which surfaces here as PermissionDenied.
type FileLocationSource struct {
	Path string
}

func (f *FileLocationSource) Current() (*md.Coordinate, *se.Err) {
	b, err := ioutil.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, se.ErrPermissionDenied("location unavailable")
	}
	if err != nil {
		return nil, se.ErrServiceFailure("error reading location fix").WithCause(err)
	}
	c := &md.Coordinate{}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, se.ErrServiceFailure("error unmarshalling location fix").WithCause(err)
	}
	if !c.Point().Valid() {
		return nil, se.ErrServiceFailure("location shim produced an invalid fix")
	}
	return c, nil
}
