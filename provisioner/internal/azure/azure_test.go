package azure

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerservice/armcontainerservice/v4"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/msi/armmsi"

	"github.com/rjpalt/KubeMOOC-Ops/pkg/config"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

func responseError(status int, code string) error {
	req := httptest.NewRequest(http.MethodGet, "https://management.azure.com/subscriptions/x", nil)
	return &azcore.ResponseError{
		ErrorCode:  code,
		StatusCode: status,
		RawResponse: &http.Response{
			StatusCode: status,
			Status:     http.StatusText(status),
			Request:    req,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("")),
		},
	}
}

type clustersStub struct {
	cluster armcontainerservice.ManagedCluster
	getErr  error
	user    armcontainerservice.CredentialResults
	admin   armcontainerservice.CredentialResults
}

func (s *clustersStub) Get(context.Context, string, string, *armcontainerservice.ManagedClustersClientGetOptions) (armcontainerservice.ManagedClustersClientGetResponse, error) {
	return armcontainerservice.ManagedClustersClientGetResponse{ManagedCluster: s.cluster}, s.getErr
}

func (s *clustersStub) ListClusterUserCredentials(context.Context, string, string, *armcontainerservice.ManagedClustersClientListClusterUserCredentialsOptions) (armcontainerservice.ManagedClustersClientListClusterUserCredentialsResponse, error) {
	return armcontainerservice.ManagedClustersClientListClusterUserCredentialsResponse{CredentialResults: s.user}, nil
}

func (s *clustersStub) ListClusterAdminCredentials(context.Context, string, string, *armcontainerservice.ManagedClustersClientListClusterAdminCredentialsOptions) (armcontainerservice.ManagedClustersClientListClusterAdminCredentialsResponse, error) {
	return armcontainerservice.ManagedClustersClientListClusterAdminCredentialsResponse{CredentialResults: s.admin}, nil
}

func TestOIDCIssuer(t *testing.T) {
	t.Run("issuer configured", func(t *testing.T) {
		stub := &clustersStub{cluster: armcontainerservice.ManagedCluster{
			Properties: &armcontainerservice.ManagedClusterProperties{
				OidcIssuerProfile: &armcontainerservice.ManagedClusterOIDCIssuerProfile{
					IssuerURL: to.Ptr("https://westeurope.oic.prod-aks.azure.com/tenant/cluster/"),
				},
			},
		}}
		issuer, err := newCluster(stub, "rg", "kube-mooc").OIDCIssuer(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(issuer, "https://westeurope.oic") {
			t.Fatalf("unexpected issuer %q", issuer)
		}
	})
	t.Run("issuer missing", func(t *testing.T) {
		stub := &clustersStub{cluster: armcontainerservice.ManagedCluster{Properties: &armcontainerservice.ManagedClusterProperties{}}}
		_, err := newCluster(stub, "rg", "kube-mooc").OIDCIssuer(context.Background())
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
	})
	t.Run("cluster missing", func(t *testing.T) {
		stub := &clustersStub{getErr: responseError(http.StatusNotFound, "ResourceNotFound")}
		_, err := newCluster(stub, "rg", "kube-mooc").OIDCIssuer(context.Background())
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestKubeconfigSelection(t *testing.T) {
	stub := &clustersStub{
		user: armcontainerservice.CredentialResults{Kubeconfigs: []*armcontainerservice.CredentialResult{
			{Name: to.Ptr("clusterUser"), Value: []byte("user-config")},
		}},
	}
	c := newCluster(stub, "rg", "kube-mooc")
	data, err := c.UserKubeconfig(context.Background())
	if err != nil || string(data) != "user-config" {
		t.Fatalf("unexpected user kubeconfig %q err=%v", data, err)
	}
	if _, err := c.AdminKubeconfig(context.Background()); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected missing admin kubeconfig to be a configuration error, got %v", err)
	}
}

type credentialsStub struct {
	created   map[string]armmsi.FederatedIdentityCredential
	deleteErr error
	deleted   []string
}

func (s *credentialsStub) CreateOrUpdate(_ context.Context, rg, identity, name string, params armmsi.FederatedIdentityCredential, _ *armmsi.FederatedIdentityCredentialsClientCreateOrUpdateOptions) (armmsi.FederatedIdentityCredentialsClientCreateOrUpdateResponse, error) {
	if s.created == nil {
		s.created = map[string]armmsi.FederatedIdentityCredential{}
	}
	s.created[rg+"/"+identity+"/"+name] = params
	return armmsi.FederatedIdentityCredentialsClientCreateOrUpdateResponse{}, nil
}

func (s *credentialsStub) Delete(_ context.Context, rg, identity, name string, _ *armmsi.FederatedIdentityCredentialsClientDeleteOptions) (armmsi.FederatedIdentityCredentialsClientDeleteResponse, error) {
	s.deleted = append(s.deleted, rg+"/"+identity+"/"+name)
	return armmsi.FederatedIdentityCredentialsClientDeleteResponse{}, s.deleteErr
}

func TestIdentitiesCreateOrUpdate(t *testing.T) {
	stub := &credentialsStub{}
	ids := &Identities{api: stub}
	identity := config.Identity{Name: "db-identity", ResourceGroup: "rg-db"}
	if err := ids.CreateOrUpdate(context.Background(), identity, "cred-feat", "https://issuer/", "system:serviceaccount:feat:default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	params, ok := stub.created["rg-db/db-identity/cred-feat"]
	if !ok {
		t.Fatalf("expected credential to be created, got %v", stub.created)
	}
	props := params.Properties
	if *props.Issuer != "https://issuer/" || *props.Subject != "system:serviceaccount:feat:default" {
		t.Fatalf("unexpected properties %+v", props)
	}
	if len(props.Audiences) != 1 || *props.Audiences[0] != "api://AzureADTokenExchange" {
		t.Fatalf("unexpected audiences %v", props.Audiences)
	}
}

func TestIdentitiesDeleteClassifiesNotFound(t *testing.T) {
	stub := &credentialsStub{deleteErr: responseError(http.StatusNotFound, "NotFound")}
	err := (&Identities{api: stub}).Delete(context.Background(), config.Identity{Name: "kv", ResourceGroup: "rg"}, "keyvault-workload-identity-x")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	stub.deleteErr = responseError(http.StatusForbidden, "AuthorizationFailed")
	err = (&Identities{api: stub}).Delete(context.Background(), config.Identity{Name: "kv", ResourceGroup: "rg"}, "keyvault-workload-identity-x")
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected plain failure, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	if !errors.Is(Classify(responseError(http.StatusConflict, "Conflict")), domain.ErrAlreadyExists) {
		t.Fatalf("expected conflict to map to already exists")
	}
	plain := errors.New("dial tcp: timeout")
	if Classify(plain) != plain {
		t.Fatalf("non ARM errors must pass through")
	}
}

func TestIssuerVerifier(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                srv.URL,
			"jwks_uri":                              srv.URL + "/openid/v1/jwks",
			"response_types_supported":              []string{"id_token"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	}))
	defer srv.Close()

	if err := (IssuerVerifier{}).Verify(context.Background(), srv.URL); err != nil {
		t.Fatalf("expected discovery to succeed, got %v", err)
	}
	if err := (IssuerVerifier{}).Verify(context.Background(), srv.URL+"/missing"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
