package properties

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/consul/api"
)

// ConsulStore keeps properties in HashiCorp Consul KV.
//
// Key layout below the configured prefix:
//
//	<prefix>/global/<property>
//	<prefix>/servers/<server>/<property>
type ConsulStore struct {
	client *api.Client
	kv     *api.KV

	config *ConsulStoreConfig
}

// ConsulStoreConfig contains configuration options for the Consul store.
type ConsulStoreConfig struct {
	// Address of the Consul server (default: "127.0.0.1:8500")
	Address string

	// Token for Consul ACL authentication (optional)
	Token string

	// Datacenter to use (optional)
	Datacenter string

	// Prefix for all keys in Consul KV (default: "pacsindex")
	Prefix string
}

// NewConsulStore creates a Consul-backed property store.
func NewConsulStore(config *ConsulStoreConfig) (*ConsulStore, error) {
	if config == nil {
		config = &ConsulStoreConfig{}
	}

	if config.Address == "" {
		config.Address = "127.0.0.1:8500"
	}
	if config.Prefix == "" {
		config.Prefix = "pacsindex"
	}
	config.Prefix = strings.Trim(config.Prefix, "/")

	clientConfig := api.DefaultConfig()
	clientConfig.Address = config.Address
	if config.Token != "" {
		clientConfig.Token = config.Token
	}
	if config.Datacenter != "" {
		clientConfig.Datacenter = config.Datacenter
	}

	client, err := api.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	return &ConsulStore{
		client: client,
		kv:     client.KV(),
		config: config,
	}, nil
}

// Name returns the identifier name defined for this store.
func (*ConsulStore) Name() string {
	return "consul"
}

func (cs *ConsulStore) resolveKey(serverID string, property int32) string {
	if serverID == "" {
		return fmt.Sprintf("%s/global/%d", cs.config.Prefix, property)
	}

	return fmt.Sprintf("%s/servers/%s/%d", cs.config.Prefix, serverID, property)
}

func (cs *ConsulStore) SetProperty(ctx context.Context, serverID string, property int32, value string) error {
	pair := &api.KVPair{
		Key:   cs.resolveKey(serverID, property),
		Value: []byte(value),
	}

	options := &api.WriteOptions{}
	if _, err := cs.kv.Put(pair, options.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to store property: %w", err)
	}

	return nil
}

func (cs *ConsulStore) LookupProperty(ctx context.Context, serverID string, property int32) (string, bool, error) {
	options := &api.QueryOptions{}
	pair, _, err := cs.kv.Get(cs.resolveKey(serverID, property), options.WithContext(ctx))
	if err != nil {
		return "", false, fmt.Errorf("failed to read property: %w", err)
	}
	if pair == nil {
		return "", false, nil
	}

	return string(pair.Value), true, nil
}
