package local

import (
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/storage"
)

// BundleMetadata describes a loaded data bundle.
type BundleMetadata struct {
	ID             string          `json:"id" yaml:"id"`
	CreateTime     model.Timestamp `json:"createTime" yaml:"create_time"`
	Version        int             `json:"version" yaml:"version"`
	TotalDocuments int             `json:"totalDocuments" yaml:"total_documents"`
	TotalBytes     int64           `json:"totalBytes" yaml:"total_bytes"`
}

// NamedQuery is a query saved by a bundle under a name, with the read time of its results.
type NamedQuery struct {
	Name     string          `json:"name"`
	Query    model.Query     `json:"query"`
	ReadTime model.Timestamp `json:"readTime"`
}

// BundleCache stores bundle metadata and named queries.
type BundleCache struct{}

// GetBundleMetadata returns the metadata of bundle id, or nil.
func (BundleCache) GetBundleMetadata(txn *Txn, id string) (*BundleMetadata, error) {
	var md BundleMetadata
	ok, err := getJSON(txn, storage.TableBundles, bundleKey(id), &md)
	if err != nil || !ok {
		return nil, err
	}
	return &md, nil
}

// SaveBundleMetadata stores md, replacing any earlier version of the bundle.
func (BundleCache) SaveBundleMetadata(txn *Txn, md BundleMetadata) error {
	return putJSON(txn, storage.TableBundles, bundleKey(md.ID), md)
}

// GetNamedQuery returns the named query, or nil.
func (BundleCache) GetNamedQuery(txn *Txn, name string) (*NamedQuery, error) {
	var nq NamedQuery
	ok, err := getJSON(txn, storage.TableNamedQueries, namedQueryKey(name), &nq)
	if err != nil || !ok {
		return nil, err
	}
	return &nq, nil
}

// SaveNamedQuery stores nq under its name.
func (BundleCache) SaveNamedQuery(txn *Txn, nq NamedQuery) error {
	return putJSON(txn, storage.TableNamedQueries, namedQueryKey(nq.Name), nq)
}
