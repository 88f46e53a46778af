/*
Copyright 2019 The Kubernetes Authors.

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

// Package cloud implements the Cloud Volume View: a tag-filtered snapshot
// of the BSU volumes owned by a drive, plus the create/attach/detach/
// delete/resize operations the reconciler drives them through.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	dm "github.com/outscale/bsud/pkg/cloud/devicemanager"
	"github.com/outscale/bsud/pkg/util"
	osc "github.com/outscale/osc-sdk-go/v2"
	"k8s.io/klog/v2"
)

// DriveNameTagKey is the sole source of truth for ownership of a volume:
// absence means the volume is foreign and must never be mutated.
const DriveNameTagKey = "drive-name"

// Outscale volume types.
const (
	VolumeTypeSTANDARD = "standard"
	VolumeTypeGP2       = "gp2"
	VolumeTypeIO1       = "io1"
)

// Outscale provisioning limits.
// Source: https://docs.outscale.com/en/userguide/About-Volumes.html#_volume_types_and_iops
const (
	MinTotalIOPS = 100
	MaxTotalIOPS = 13000
	MaxIopsPerGb = 300
)

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("resource was not found")
	// ErrMultiDisks is returned when more than one disk matches a lookup
	// that is expected to be unique.
	ErrMultiDisks = errors.New("multiple disks matched")
)

// Disk is a Backing Device as observed from the cloud side: spec.md's
// Backing Device minus the kernel-visible fields, which are the Block
// Device Probe's responsibility.
type Disk struct {
	VolumeID         string
	SizeGiB          int64
	DiskType         string
	State            string
	AvailabilityZone string
	AttachedToSelf   bool
	// DeviceName is the OS device name (e.g. "/dev/xvdb") the cloud API
	// reports this volume attached under on this VM; empty unless
	// AttachedToSelf. The block device probe resolves it to the actual
	// kernel path, tolerating the kernel not having caught up yet.
	DeviceName       string
	CreationDate     time.Time
}

// CreateOptions describes a new Backing Device to provision.
type CreateOptions struct {
	SizeGiB          int64
	DiskType         string
	IOPSPerGib       int64
	AvailabilityZone string
}

// Cloud is the Cloud Volume View consumed by the reconciler.
type Cloud interface {
	// ListForDrive returns every volume tagged drive-name=name, regardless
	// of attachment state.
	ListForDrive(ctx context.Context, driveName string) ([]Disk, error)
	// Create provisions a volume and tags it with drive-name=driveName
	// before returning; if tagging fails the volume is deleted and the
	// error surfaced (orphan prevention).
	Create(ctx context.Context, driveName string, opts CreateOptions) (Disk, error)
	// Attach links volumeID to this VM and returns the device node assigned to it.
	Attach(ctx context.Context, volumeID string) (devicePath string, err error)
	Detach(ctx context.Context, volumeID string) error
	Delete(ctx context.Context, volumeID string) error
	Resize(ctx context.Context, volumeID string, newSizeGiB int64) error
	// InstanceID returns this VM's own cloud identity.
	InstanceID(ctx context.Context) (string, error)
}

// OscInterface is the subset of the generated OAPI client this package
// drives, narrowed to what the Cloud Volume View needs.
type OscInterface interface {
	CreateVolume(ctx context.Context, req osc.CreateVolumeRequest) (osc.CreateVolumeResponse, *http.Response, error)
	CreateTags(ctx context.Context, req osc.CreateTagsRequest) (osc.CreateTagsResponse, *http.Response, error)
	ReadVolumes(ctx context.Context, req osc.ReadVolumesRequest) (osc.ReadVolumesResponse, *http.Response, error)
	DeleteVolume(ctx context.Context, req osc.DeleteVolumeRequest) (osc.DeleteVolumeResponse, *http.Response, error)
	LinkVolume(ctx context.Context, req osc.LinkVolumeRequest) (osc.LinkVolumeResponse, *http.Response, error)
	UnlinkVolume(ctx context.Context, req osc.UnlinkVolumeRequest) (osc.UnlinkVolumeResponse, *http.Response, error)
	UpdateVolume(ctx context.Context, req osc.UpdateVolumeRequest) (osc.UpdateVolumeResponse, *http.Response, error)
	ReadVms(ctx context.Context, req osc.ReadVmsRequest) (osc.ReadVmsResponse, *http.Response, error)
}

type OscClient struct {
	config *osc.Configuration
	auth   context.Context
	api    *osc.APIClient
}

func (c *OscClient) CreateVolume(ctx context.Context, req osc.CreateVolumeRequest) (osc.CreateVolumeResponse, *http.Response, error) {
	return c.api.VolumeApi.CreateVolume(c.auth).CreateVolumeRequest(req).Execute()
}

func (c *OscClient) CreateTags(ctx context.Context, req osc.CreateTagsRequest) (osc.CreateTagsResponse, *http.Response, error) {
	return c.api.TagApi.CreateTags(c.auth).CreateTagsRequest(req).Execute()
}

func (c *OscClient) ReadVolumes(ctx context.Context, req osc.ReadVolumesRequest) (osc.ReadVolumesResponse, *http.Response, error) {
	return c.api.VolumeApi.ReadVolumes(c.auth).ReadVolumesRequest(req).Execute()
}

func (c *OscClient) DeleteVolume(ctx context.Context, req osc.DeleteVolumeRequest) (osc.DeleteVolumeResponse, *http.Response, error) {
	return c.api.VolumeApi.DeleteVolume(c.auth).DeleteVolumeRequest(req).Execute()
}

func (c *OscClient) LinkVolume(ctx context.Context, req osc.LinkVolumeRequest) (osc.LinkVolumeResponse, *http.Response, error) {
	return c.api.VolumeApi.LinkVolume(c.auth).LinkVolumeRequest(req).Execute()
}

func (c *OscClient) UnlinkVolume(ctx context.Context, req osc.UnlinkVolumeRequest) (osc.UnlinkVolumeResponse, *http.Response, error) {
	return c.api.VolumeApi.UnlinkVolume(c.auth).UnlinkVolumeRequest(req).Execute()
}

func (c *OscClient) UpdateVolume(ctx context.Context, req osc.UpdateVolumeRequest) (osc.UpdateVolumeResponse, *http.Response, error) {
	return c.api.VolumeApi.UpdateVolume(c.auth).UpdateVolumeRequest(req).Execute()
}

func (c *OscClient) ReadVms(ctx context.Context, req osc.ReadVmsRequest) (osc.ReadVmsResponse, *http.Response, error) {
	return c.api.VmApi.ReadVms(c.auth).ReadVmsRequest(req).Execute()
}

var _ OscInterface = &OscClient{}

type cloud struct {
	region string
	dm     dm.DeviceManager
	client OscInterface
	bp     *BackoffPolicy

	selfInstanceID string
}

var _ Cloud = &cloud{}

// NewCloud builds the production Cloud Volume View for the given region,
// reading credentials from OSC_ACCESS_KEY/OSC_SECRET_KEY unless
// accessKey/secretKey are already set (e.g. from the config document).
func NewCloud(region, accessKey, secretKey string) (Cloud, error) {
	if accessKey == "" {
		accessKey = os.Getenv("OSC_ACCESS_KEY")
	}
	if secretKey == "" {
		secretKey = os.Getenv("OSC_SECRET_KEY")
	}

	config := osc.NewConfiguration()
	config.Debug = false

	client := &OscClient{
		config: config,
		api:    osc.NewAPIClient(config),
	}
	client.auth = context.WithValue(context.Background(), osc.ContextAWSv4, osc.AWSv4{
		AccessKey: accessKey,
		SecretKey: secretKey,
	})
	client.auth = context.WithValue(client.auth, osc.ContextServerIndex, 0)
	client.auth = context.WithValue(client.auth, osc.ContextServerVariables, map[string]string{"region": region})

	return &cloud{
		region: region,
		dm:     dm.NewDeviceManager(),
		client: client,
		bp:     NewBackoffPolicy(),
	}, nil
}

// NewCloudFromClient builds a Cloud Volume View around a caller-supplied
// OscInterface, for tests and for embedding in fakes.
func NewCloudFromClient(region string, client OscInterface) Cloud {
	return &cloud{region: region, dm: dm.NewDeviceManager(), client: client, bp: NewBackoffPolicy()}
}

func (c *cloud) ListForDrive(ctx context.Context, driveName string) ([]Disk, error) {
	req := osc.ReadVolumesRequest{
		Filters: &osc.FiltersVolume{
			Tags: &[]string{DriveNameTagKey + "=" + driveName},
		},
	}

	var resp osc.ReadVolumesResponse
	err := c.bp.ExponentialBackoff(ctx, func(ctx context.Context) (bool, error) {
		var httpRes *http.Response
		var err error
		resp, httpRes, err = c.client.ReadVolumes(ctx, req)
		logAPICall(ctx, "ReadVolumes", req, resp, httpRes, err)
		return c.bp.OAPIResponseBackoff(ctx, "ReadVolumes", httpRes, err)
	})
	if err != nil {
		return nil, err
	}

	selfID, err := c.InstanceID(ctx)
	if err != nil {
		return nil, err
	}

	disks := make([]Disk, 0, len(resp.GetVolumes()))
	for _, v := range resp.GetVolumes() {
		disks = append(disks, oscVolumeToDisk(v, selfID))
	}
	return disks, nil
}

func oscVolumeToDisk(v osc.Volume, selfID string) Disk {
	attached := false
	var deviceName string
	for _, link := range v.GetLinkedVolumes() {
		if link.GetVmId() == selfID && link.GetState() == "attached" {
			attached = true
			deviceName = link.GetDeviceName()
		}
	}
	var created time.Time
	if v.HasCreationDate() {
		created, _ = time.Parse(time.RFC3339, v.GetCreationDate())
	}
	return Disk{
		VolumeID:         v.GetVolumeId(),
		SizeGiB:          int64(v.GetSize()),
		DiskType:         v.GetVolumeType(),
		State:            v.GetState(),
		AvailabilityZone: v.GetSubregionName(),
		AttachedToSelf:   attached,
		DeviceName:       deviceName,
		CreationDate:     created,
	}
}

func (c *cloud) Create(ctx context.Context, driveName string, opts CreateOptions) (Disk, error) {
	var req osc.CreateVolumeRequest
	req.SetSize(int32(opts.SizeGiB))

	switch opts.DiskType {
	case VolumeTypeGP2, VolumeTypeSTANDARD:
		req.SetVolumeType(opts.DiskType)
	case VolumeTypeIO1:
		req.SetVolumeType(opts.DiskType)
		iopsPerGb := opts.IOPSPerGib
		if iopsPerGb > MaxIopsPerGb {
			iopsPerGb = MaxIopsPerGb
		}
		iops := opts.SizeGiB * iopsPerGb
		if iops < MinTotalIOPS {
			iops = MinTotalIOPS
		}
		if iops > MaxTotalIOPS {
			iops = MaxTotalIOPS
		}
		req.SetIops(int32(iops))
	default:
		return Disk{}, fmt.Errorf("invalid disk type %q", opts.DiskType)
	}

	zone := opts.AvailabilityZone
	if zone == "" {
		zone = c.region + "a"
	}
	req.SetSubregionName(zone)

	var creation osc.CreateVolumeResponse
	err := c.bp.ExponentialBackoff(ctx, func(ctx context.Context) (bool, error) {
		var httpRes *http.Response
		var err error
		creation, httpRes, err = c.client.CreateVolume(ctx, req)
		logAPICall(ctx, "CreateVolume", req, creation, httpRes, err)
		return c.bp.OAPIResponseBackoff(ctx, "CreateVolume", httpRes, err)
	})
	if err != nil {
		return Disk{}, err
	}
	if !creation.HasVolume() {
		return Disk{}, fmt.Errorf("CreateVolume: no volume in response")
	}
	volumeID := creation.Volume.GetVolumeId()

	// Orphan prevention: the volume counts as ours once CreateTags has
	// succeeded; the tag is not read back to confirm it is visible. If
	// tagging never succeeds, delete it rather than leave an untagged,
	// unmanaged volume behind.
	tagReq := osc.CreateTagsRequest{
		ResourceIds: []string{volumeID},
		Tags:        []osc.ResourceTag{{Key: DriveNameTagKey, Value: driveName}},
	}
	tagErr := c.bp.ExponentialBackoff(ctx, func(ctx context.Context) (bool, error) {
		resp, httpRes, err := c.client.CreateTags(ctx, tagReq)
		logAPICall(ctx, "CreateTags", tagReq, resp, httpRes, err)
		return c.bp.OAPIResponseBackoff(ctx, "CreateTags", httpRes, err)
	})
	if tagErr != nil {
		klog.FromContext(ctx).Error(tagErr, "tagging volume failed, deleting to avoid an orphan", "volumeId", volumeID)
		if delErr := c.Delete(ctx, volumeID); delErr != nil {
			klog.FromContext(ctx).Error(delErr, "cleanup delete after failed tagging also failed", "volumeId", volumeID)
		}
		return Disk{}, tagErr
	}

	return Disk{
		VolumeID:         volumeID,
		SizeGiB:          int64(creation.Volume.GetSize()),
		DiskType:         opts.DiskType,
		State:            creation.Volume.GetState(),
		AvailabilityZone: zone,
	}, nil
}

func (c *cloud) Attach(ctx context.Context, volumeID string) (string, error) {
	selfID, err := c.InstanceID(ctx)
	if err != nil {
		return "", err
	}
	instance, err := c.getInstance(ctx, selfID)
	if err != nil {
		return "", err
	}

	device, err := c.dm.NewDevice(*instance, volumeID)
	if err != nil {
		return "", err
	}
	defer device.Release(false)

	if !device.IsAlreadyAssigned {
		req := osc.LinkVolumeRequest{
			DeviceName: device.Path,
			VmId:       selfID,
			VolumeId:   volumeID,
		}
		err := c.bp.ExponentialBackoff(ctx, func(ctx context.Context) (bool, error) {
			resp, httpRes, err := c.client.LinkVolume(ctx, req)
			logAPICall(ctx, "LinkVolume", req, resp, httpRes, err)
			return c.bp.OAPIResponseBackoff(ctx, "LinkVolume", httpRes, err)
		})
		if err != nil {
			device.Taint()
			return "", err
		}
	}

	return device.Path, nil
}

func (c *cloud) Detach(ctx context.Context, volumeID string) error {
	selfID, err := c.InstanceID(ctx)
	if err != nil {
		return err
	}
	instance, err := c.getInstance(ctx, selfID)
	if err != nil {
		return err
	}

	device := c.dm.GetDevice(*instance, volumeID)
	defer device.Release(true)

	req := osc.UnlinkVolumeRequest{VolumeId: volumeID}
	return c.bp.ExponentialBackoff(ctx, func(ctx context.Context) (bool, error) {
		resp, httpRes, err := c.client.UnlinkVolume(ctx, req)
		logAPICall(ctx, "UnlinkVolume", req, resp, httpRes, err)
		return c.bp.OAPIResponseBackoff(ctx, "UnlinkVolume", httpRes, err)
	})
}

func (c *cloud) Delete(ctx context.Context, volumeID string) error {
	req := osc.DeleteVolumeRequest{VolumeId: volumeID}
	return c.bp.ExponentialBackoff(ctx, func(ctx context.Context) (bool, error) {
		resp, httpRes, err := c.client.DeleteVolume(ctx, req)
		logAPICall(ctx, "DeleteVolume", req, resp, httpRes, err)
		return c.bp.OAPIResponseBackoff(ctx, "DeleteVolume", httpRes, err)
	})
}

func (c *cloud) Resize(ctx context.Context, volumeID string, newSizeGiB int64) error {
	var req osc.UpdateVolumeRequest
	req.SetVolumeId(volumeID)
	req.SetSize(int32(newSizeGiB))

	return c.bp.ExponentialBackoff(ctx, func(ctx context.Context) (bool, error) {
		resp, httpRes, err := c.client.UpdateVolume(ctx, req)
		logAPICall(ctx, "UpdateVolume", req, resp, httpRes, err)
		return c.bp.OAPIResponseBackoff(ctx, "UpdateVolume", httpRes, err)
	})
}

// InstanceID returns this VM's own identity, discovered once via the
// metadata service and cached for the life of the process (it cannot
// change without a reboot).
func (c *cloud) InstanceID(ctx context.Context) (string, error) {
	if c.selfInstanceID != "" {
		return c.selfInstanceID, nil
	}
	md, err := NewMetadata()
	if err != nil {
		return "", fmt.Errorf("discovering VM identity: %w", err)
	}
	c.selfInstanceID = md.GetInstanceID()
	return c.selfInstanceID, nil
}

func (c *cloud) getInstance(ctx context.Context, vmID string) (*osc.Vm, error) {
	req := osc.ReadVmsRequest{
		Filters: &osc.FiltersVm{VmIds: &[]string{vmID}},
	}

	var resp osc.ReadVmsResponse
	err := c.bp.ExponentialBackoff(ctx, func(ctx context.Context) (bool, error) {
		var httpRes *http.Response
		var err error
		resp, httpRes, err = c.client.ReadVms(ctx, req)
		logAPICall(ctx, "ReadVms", req, resp, httpRes, err)
		return c.bp.OAPIResponseBackoff(ctx, "ReadVms", httpRes, err)
	})
	if err != nil {
		return nil, err
	}

	vms := resp.GetVms()
	if len(vms) != 1 {
		return nil, fmt.Errorf("found %d instances with ID %q", len(vms), vmID)
	}
	return &vms[0], nil
}
