// Package importer loads hosts and their log paths from a YAML inventory.
//
//	hosts:
//	  - name: web-1
//	    host: 10.0.0.1
//	    port: 22
//	    username: deploy
//	    private_key_file: keys/web-1
//	    log_paths:
//	      - name: nginx
//	        path: /var/log/nginx/access.log
//
// Hosts are matched to existing ones by name; an existing host keeps its
// settings and only gains the log paths it does not have yet.
package importer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/crypto"
	"github.com/bodyast/logManager/internal/database"
	"github.com/bodyast/logManager/internal/sshlogs"
	"gopkg.in/yaml.v3"
)

type Inventory struct {
	Hosts []HostEntry `yaml:"hosts"`
}

type HostEntry struct {
	Name                 string         `yaml:"name"`
	Host                 string         `yaml:"host"`
	Port                 int            `yaml:"port"`
	Username             string         `yaml:"username"`
	Password             string         `yaml:"password"`
	PrivateKey           string         `yaml:"private_key"`
	PrivateKeyFile       string         `yaml:"private_key_file"`
	PrivateKeyPassphrase string         `yaml:"private_key_passphrase"`
	LogPaths             []LogPathEntry `yaml:"log_paths"`
}

type LogPathEntry struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Description string `yaml:"description"`
}

// Result counts what an import changed.
type Result struct {
	HostsCreated    int
	HostsExisting   int
	LogPathsCreated int
	LogPathsSkipped int
}

func (r Result) String() string {
	return fmt.Sprintf("%d hosts created, %d already present, %d log paths created, %d already present",
		r.HostsCreated, r.HostsExisting, r.LogPathsCreated, r.LogPathsSkipped)
}

// Parse decodes an inventory. Unknown keys are rejected.
func Parse(r io.Reader) (*Inventory, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var inv Inventory
	if err := dec.Decode(&inv); err != nil {
		if errors.Is(err, io.EOF) {
			return &inv, nil
		}
		return nil, apperr.Wrap(apperr.KindValidation, "parse inventory", err)
	}
	return &inv, nil
}

// Validate checks every entry and resolves private_key_file relative to
// baseDir.
func (inv *Inventory) Validate(baseDir string) error {
	seen := make(map[string]bool)
	for i := range inv.Hosts {
		h := &inv.Hosts[i]
		where := fmt.Sprintf("hosts[%d]", i)
		if h.Name == "" || h.Host == "" || h.Username == "" {
			return apperr.Newf(apperr.KindValidation, "%s: name, host and username are required", where)
		}
		if seen[h.Name] {
			return apperr.Newf(apperr.KindValidation, "%s: duplicate host name %q", where, h.Name)
		}
		seen[h.Name] = true
		if h.Port == 0 {
			h.Port = 22
		}
		if h.Port < 1 || h.Port > 65535 {
			return apperr.Newf(apperr.KindValidation, "%s: invalid port %d", where, h.Port)
		}
		if h.PrivateKeyFile != "" {
			if h.PrivateKey != "" {
				return apperr.Newf(apperr.KindValidation, "%s: set private_key or private_key_file, not both", where)
			}
			path := h.PrivateKeyFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return apperr.Wrap(apperr.KindValidation, where+": read private key", err)
			}
			h.PrivateKey = string(data)
			h.PrivateKeyFile = ""
		}
		for j, lp := range h.LogPaths {
			if strings.TrimSpace(lp.Name) == "" {
				return apperr.Newf(apperr.KindValidation, "%s.log_paths[%d]: name is required", where, j)
			}
			if err := sshlogs.ValidatePath(lp.Path); err != nil {
				return apperr.Wrap(apperr.KindValidation, fmt.Sprintf("%s.log_paths[%d]", where, j), err)
			}
		}
	}
	return nil
}

// Apply writes a validated inventory for userID, encrypting credentials
// with vault.
func Apply(inv *Inventory, userID uint, vault *crypto.Vault) (Result, error) {
	var res Result

	existing, err := database.ListHosts(userID)
	if err != nil {
		return res, fmt.Errorf("list hosts: %w", err)
	}
	byName := make(map[string]*database.Host, len(existing))
	for i := range existing {
		byName[existing[i].Name] = &existing[i]
	}

	for _, entry := range inv.Hosts {
		host, ok := byName[entry.Name]
		if ok {
			res.HostsExisting++
		} else {
			host, err = createHost(entry, userID, vault)
			if err != nil {
				return res, err
			}
			res.HostsCreated++
		}

		paths, err := database.ListHostLogPaths(host.ID)
		if err != nil {
			return res, fmt.Errorf("list log paths of %s: %w", entry.Name, err)
		}
		have := make(map[string]bool, len(paths))
		for _, p := range paths {
			have[p.Path] = true
		}
		for _, lp := range entry.LogPaths {
			if have[lp.Path] {
				res.LogPathsSkipped++
				continue
			}
			err := database.CreateLogPath(&database.LogPath{
				HostID:      host.ID,
				Name:        lp.Name,
				Path:        lp.Path,
				Description: lp.Description,
			})
			if err != nil {
				return res, fmt.Errorf("create log path %s: %w", lp.Path, err)
			}
			have[lp.Path] = true
			res.LogPathsCreated++
		}
	}
	return res, nil
}

func createHost(entry HostEntry, userID uint, vault *crypto.Vault) (*database.Host, error) {
	host := &database.Host{
		UserID:   userID,
		Name:     entry.Name,
		Host:     entry.Host,
		Port:     entry.Port,
		Username: entry.Username,
	}
	var err error
	if host.Password, err = vault.Encrypt(entry.Password); err != nil {
		return nil, fmt.Errorf("encrypt password: %w", err)
	}
	if host.PrivateKey, err = vault.Encrypt(entry.PrivateKey); err != nil {
		return nil, fmt.Errorf("encrypt private key: %w", err)
	}
	if host.PrivateKeyPassphrase, err = vault.Encrypt(entry.PrivateKeyPassphrase); err != nil {
		return nil, fmt.Errorf("encrypt passphrase: %w", err)
	}
	if err := database.CreateHost(host); err != nil {
		return nil, fmt.Errorf("create host %s: %w", entry.Name, err)
	}
	return host, nil
}

// ImportFile parses, validates and applies the inventory at path for the
// named user.
func ImportFile(path, username string, vault *crypto.Vault) (Result, error) {
	user, err := database.GetUserByUsername(username)
	if err != nil {
		if database.IsNotFound(err) {
			return Result{}, apperr.NotFound(fmt.Sprintf("user %q not found", username))
		}
		return Result{}, fmt.Errorf("load user: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open inventory: %w", err)
	}
	defer f.Close()

	inv, err := Parse(f)
	if err != nil {
		return Result{}, err
	}
	if err := inv.Validate(filepath.Dir(path)); err != nil {
		return Result{}, err
	}
	return Apply(inv, user.ID, vault)
}
