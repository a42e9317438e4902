/*
Copyright © 2022 - 2024 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package image

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/cavaliergopher/grab/v3"
)

// Source is the polymorphic OS-image capability set: source URL,
// architecture, filesystem iteration, metadata hash, verity lookup.
// CosiSource is the one concrete production variant; FakeSource exists
// for tests.
type Source interface {
	Metadata(ctx context.Context) (Metadata, error)
	// OpenBlob returns a reader over the named archive entry (by path, as
	// recorded in ImageFile.Path), positioned at the start of its content.
	OpenBlob(ctx context.Context, entryPath string) (io.ReadCloser, error)
	URL() string
}

// CosiSource reads a COSI archive from a local file path or a remote URL.
type CosiSource struct {
	url      string
	isRemote bool
}

func NewCosiSource(url string, isRemote bool) *CosiSource {
	return &CosiSource{url: url, isRemote: isRemote}
}

var _ Source = (*CosiSource)(nil)

func (c *CosiSource) URL() string { return c.url }

func (c *CosiSource) open(ctx context.Context) (io.ReadCloser, error) {
	if !c.isRemote {
		return openLocalFile(c.url)
	}
	req, err := grab.NewRequest("", c.url)
	if err != nil {
		return nil, fmt.Errorf("cosi: failed building download request: %w", err)
	}
	req = req.WithContext(ctx)
	resp, err := http.DefaultClient.Do(req.HTTPRequest)
	if err != nil {
		return nil, fmt.Errorf("cosi: failed opening remote archive: %w", err)
	}
	return resp.Body, nil
}

func (c *CosiSource) Metadata(ctx context.Context) (Metadata, error) {
	rc, err := c.open(ctx)
	if err != nil {
		return Metadata{}, err
	}
	defer rc.Close()
	return ReadMetadataFromTar(rc)
}

// OpenBlob re-scans the archive for the named entry. COSI archives are
// read sequentially (no index), matching the original's tar-based reader;
// a remote archive is downloaded from its start on every call, with no
// range requests.
func (c *CosiSource) OpenBlob(ctx context.Context, entryPath string) (io.ReadCloser, error) {
	rc, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			rc.Close()
			return nil, fmt.Errorf("cosi: entry %q not found in archive", entryPath)
		}
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("cosi: failed reading archive: %w", err)
		}
		if hdr.Name == entryPath {
			return &tarEntryReader{tr: tr, closer: rc}, nil
		}
	}
}

type tarEntryReader struct {
	tr     *tar.Reader
	closer io.Closer
}

func (t *tarEntryReader) Read(p []byte) (int, error) { return t.tr.Read(p) }
func (t *tarEntryReader) Close() error                { return t.closer.Close() }

// FakeSource is an in-memory Source for tests.
type FakeSource struct {
	Meta  Metadata
	Blobs map[string][]byte
}

var _ Source = (*FakeSource)(nil)

func (f *FakeSource) URL() string { return "fake://cosi" }

func (f *FakeSource) Metadata(_ context.Context) (Metadata, error) {
	return f.Meta, nil
}

func (f *FakeSource) OpenBlob(_ context.Context, entryPath string) (io.ReadCloser, error) {
	data, ok := f.Blobs[entryPath]
	if !ok {
		return nil, fmt.Errorf("fake source: no blob for %q", entryPath)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
