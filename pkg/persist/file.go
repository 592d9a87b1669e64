package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/refresh"
	"github.com/flagstream/edge/pkg/tokens"
)

const (
	tokensFile   = "edge-tokens.json"
	featuresFile = "edge-features.json"
	refreshFile  = "edge-refresh-targets.json"
)

// FilePersister keeps the state documents as JSON files in one directory.
type FilePersister struct {
	dir string
	log *logging.Entry
}

// NewFilePersister creates the backing directory if needed.
func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating persistence directory: %w", err)
	}
	return &FilePersister{
		dir: dir,
		log: logging.WithField("component", "file-persister"),
	}, nil
}

func (p *FilePersister) LoadTokens(_ context.Context) ([]tokens.EdgeToken, error) {
	var tks []tokens.EdgeToken
	if !p.load(tokensFile, &tks) {
		return nil, nil
	}
	return tks, nil
}

func (p *FilePersister) SaveTokens(_ context.Context, tks []tokens.EdgeToken) error {
	return p.save(tokensFile, tks)
}

func (p *FilePersister) LoadFeatures(_ context.Context) (map[string]domain.ClientFeatures, error) {
	var features map[string]domain.ClientFeatures
	if !p.load(featuresFile, &features) {
		return nil, nil
	}
	return features, nil
}

func (p *FilePersister) SaveFeatures(_ context.Context, features map[string]domain.ClientFeatures) error {
	return p.save(featuresFile, features)
}

func (p *FilePersister) LoadRefreshTargets(_ context.Context) ([]refresh.TokenRefresh, error) {
	var targets []refresh.TokenRefresh
	if !p.load(refreshFile, &targets) {
		return nil, nil
	}
	return targets, nil
}

func (p *FilePersister) SaveRefreshTargets(_ context.Context, targets []refresh.TokenRefresh) error {
	return p.save(refreshFile, targets)
}

// load reads and decodes one document. Missing or corrupt files are not
// errors; the edge just starts cold.
func (p *FilePersister) load(name string, out interface{}) bool {
	body, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warnf("reading %s: %v", name, err)
		}
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		p.log.Warnf("ignoring corrupt state file %s: %v", name, err)
		return false
	}
	return true
}

// save writes through a temp file and renames, so a crash mid-write never
// corrupts the previous snapshot.
func (p *FilePersister) save(name string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(p.dir, name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(p.dir, name))
}
