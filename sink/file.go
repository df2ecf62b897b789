package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// File writes each blob to Dir as image_<id>_<unix time><Ext>.
type File struct {
	Dir string
	Ext string
	Now func() time.Time
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &File{Dir: dir, Ext: ".jpg", Now: time.Now}, nil
}

func (f *File) Path(imageId uint32) string {
	return filepath.Join(f.Dir, fmt.Sprintf("image_%d_%d%s", imageId, f.Now().Unix(), f.Ext))
}

// OnBlobComplete writes to a temporary name first so readers never see a partial image.
func (f *File) OnBlobComplete(peer string, imageId uint32, blob []byte) error {
	path := f.Path(imageId)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	log.Infof("saved image %d from %s to %s (%d bytes)", imageId, peer, path, len(blob))
	return nil
}
