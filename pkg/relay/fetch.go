package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hwrelayd/hwrelayd/pkg/model"
)

// ModuleFetcher runs the one-shot initialization sequence for a named
// hardware module.
type ModuleFetcher interface {
	Fetch(ctx context.Context, name string) error
}

// Unpacker consumes a package stream and writes the extracted files
// under dir.
type Unpacker interface {
	Unpack(r io.Reader, dir string) error
}

// moduleConfigName is the configuration file a module package emits.
const moduleConfigName = "module.json"

var defaultFetchClient = &http.Client{Timeout: 60 * time.Second}

// Fetcher downloads a hardware module package, hands the stream to the
// unpack pipeline, and forwards the module's emitted configuration to
// the local controller router. There is no automatic retry; a failed
// fetch surfaces to the caller and no partial state is acted on.
type Fetcher struct {
	// BaseURL is the module package registry, e.g. "https://modules.example.com".
	BaseURL string

	// Dir is where module packages are extracted, one subdirectory per module.
	Dir string

	// Client overrides the default HTTP client when set.
	Client *http.Client

	Pipeline   Unpacker
	Controller Controller
	Log        *logrus.Logger
}

// Fetch downloads and initializes the named module. The configuration is
// only acted on after the whole package extracted successfully.
func (f *Fetcher) Fetch(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("no module name given")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return errors.Errorf("invalid module name: %q", name)
	}

	client := f.Client
	if client == nil {
		client = defaultFetchClient
	}

	url := fmt.Sprintf("%s/%s.tar.gz", strings.TrimSuffix(f.BaseURL, "/"), name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build module request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "fetch module %s", name)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("fetch module %s: %s", name, resp.Status)
	}

	dir := filepath.Join(f.Dir, name)
	if err := f.Pipeline.Unpack(resp.Body, dir); err != nil {
		return errors.Wrapf(err, "unpack module %s", name)
	}

	raw, err := os.ReadFile(filepath.Join(dir, moduleConfigName))
	if err != nil {
		return errors.Wrapf(err, "read config for module %s", name)
	}
	var config model.Message
	if err := json.Unmarshal(raw, &config); err != nil {
		return errors.Wrapf(err, "parse config for module %s", name)
	}

	f.Controller.SendState("show_module", config)
	f.Controller.StartScan(config)

	f.Log.WithFields(logrus.Fields{
		"module": name,
		"dir":    dir,
	}).Info("Module initialized")
	return nil
}
