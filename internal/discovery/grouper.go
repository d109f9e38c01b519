package discovery

import "github.com/gspiliotis/haproxy-cloud-discovery/internal/cloudinstance"

// Group folds filtered instances into services keyed by (name, port,
// region). Instance order within a service is input (discovery) order;
// duplicate instance IDs within a key keep only the first occurrence.
func Group(instances []cloudinstance.Instance) map[cloudinstance.Key]cloudinstance.Service {
	services := make(map[cloudinstance.Key]cloudinstance.Service)
	seen := make(map[cloudinstance.Key]map[string]bool)

	for _, inst := range instances {
		key := cloudinstance.Key{Name: inst.ServiceName, Port: inst.ServicePort, Region: inst.Region}

		svc, ok := services[key]
		if !ok {
			svc = cloudinstance.Service{Name: inst.ServiceName, Port: inst.ServicePort, Region: inst.Region}
			seen[key] = make(map[string]bool)
		}

		if seen[key][inst.ID] {
			continue
		}
		seen[key][inst.ID] = true

		svc.Instances = append(svc.Instances, inst)
		services[key] = svc
	}

	return services
}
